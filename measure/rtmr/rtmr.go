// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rtmr interprets the fixed TCG PC-Client/UEFI event sequence for
// RTMR[0..2]: each function below takes the bytes of its stage's inputs and
// returns the resulting register plus the ordered event trace, so callers
// can both fold the register and, independently, render a transcript.
package rtmr

import (
	"fmt"
	"sort"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/acpi"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/authenticode"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/efivar"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
	"golang.org/x/text/encoding/unicode"
)

// BootVariable is one Boot#### variable present in the metadata.
type BootVariable struct {
	Index string // four hex digits, e.g. "0000"
	Data  []byte
}

// Platform0Inputs are the RTMR[0] (platform/firmware configuration) inputs,
// §4.4. SbatLevel is present only for the indirect (shim/GRUB) boot chain.
type Platform0Inputs struct {
	TDHob     []byte
	CFV       []byte
	SecureBoot, PK, KEK, DB, DBX []byte
	// BootOrderData is the raw value of the BootOrder variable (an array of
	// little-endian uint16 Boot#### indices); when empty, the platform's
	// default single-entry order ({0x0000}) is measured instead.
	BootOrderData []byte
	BootXxxx      []BootVariable
	SbatLevel []byte
	Acpi      acpi.Set
}

var fourZeroBytes = [4]byte{}

func separatorDigest() [hasher.Size]byte {
	return hasher.Hash(fourZeroBytes[:])
}

// ExtendPlatform folds RTMR[0] per §4.4, in order: TD-HOB, CFV, Secure Boot
// variables, separator, BootOrder, Boot####, (indirect only) SbatLevel,
// ACPI set, final separator.
func ExtendPlatform(in Platform0Inputs) ([hasher.Size]byte, []measure.Event, error) {
	if len(in.TDHob) == 0 {
		return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr: TD-HOB bytes are required")
	}

	r := hasher.NewRegister()
	var events []measure.Event

	extendRaw := func(eventType, description string, data []byte) {
		d := hasher.Hash(data)
		r = hasher.RtmrExtend(r, d)
		events = append(events, measure.Event{
			Register:    measure.RegisterRTMR0,
			Type:        eventType,
			Digest:      d,
			Data:        data,
			Description: description,
		})
	}

	extendRaw("EV_EFI_PLATFORM_FIRMWARE_BLOB2", "TD Hand-Off Block", in.TDHob)

	if len(in.CFV) > 0 {
		extendRaw("EV_EFI_PLATFORM_FIRMWARE_BLOB2", "Configuration Firmware Volume", in.CFV)
	}

	secureBootVars := []efivar.Variable{
		{Name: "SecureBoot", VendorGUID: efivar.GlobalVariableGUID, Data: in.SecureBoot},
		{Name: "PK", VendorGUID: efivar.GlobalVariableGUID, Data: in.PK},
		{Name: "KEK", VendorGUID: efivar.GlobalVariableGUID, Data: in.KEK},
		{Name: "db", VendorGUID: efivar.ImageSecurityDatabaseGUID, Data: in.DB},
		{Name: "dbx", VendorGUID: efivar.ImageSecurityDatabaseGUID, Data: in.DBX},
	}
	for _, v := range secureBootVars {
		var ev measure.Event
		var err error
		r, ev, err = efivar.Measure(r, measure.RegisterRTMR0, "EV_EFI_VARIABLE_DRIVER_CONFIG", v)
		if err != nil {
			return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr: failed to measure %s: %w", v.Name, err)
		}
		events = append(events, ev)
	}

	sepDigest := separatorDigest()
	r = hasher.RtmrExtend(r, sepDigest)
	events = append(events, measure.Event{
		Register: measure.RegisterRTMR0, Type: "EV_SEPARATOR", Digest: sepDigest,
		Data: fourZeroBytes[:], Description: "HASH(00000000)",
	})

	bootOrderData := in.BootOrderData
	if len(bootOrderData) == 0 {
		bootOrderData = efivar.BootOrder(nil)
	}
	bootOrderVar := efivar.Variable{
		Name:       "BootOrder",
		VendorGUID: efivar.GlobalVariableGUID,
		Data:       bootOrderData,
	}
	bootOrderReg, bootOrderEv, err := efivar.Measure(r, measure.RegisterRTMR0, "EV_EFI_VARIABLE_BOOT", bootOrderVar)
	if err != nil {
		return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr: failed to measure BootOrder: %w", err)
	}
	r = bootOrderReg
	events = append(events, bootOrderEv)

	bootXxxx := append([]BootVariable(nil), in.BootXxxx...)
	sort.Slice(bootXxxx, func(i, j int) bool { return bootXxxx[i].Index < bootXxxx[j].Index })
	if len(bootXxxx) == 0 {
		r, events = extendRawAppend(r, events, measure.RegisterRTMR0, "EV_EFI_VARIABLE_BOOT", "Boot0000", efivar.DefaultBootOption())
	} else {
		for _, bv := range bootXxxx {
			var ev measure.Event
			var err error
			r, ev, err = efivar.Measure(r, measure.RegisterRTMR0, "EV_EFI_VARIABLE_BOOT",
				efivar.Variable{Name: "Boot" + bv.Index, VendorGUID: efivar.GlobalVariableGUID, Data: bv.Data})
			if err != nil {
				return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr: failed to measure Boot%s: %w", bv.Index, err)
			}
			events = append(events, ev)
		}
	}

	if len(in.SbatLevel) > 0 {
		var ev measure.Event
		r, ev, err = efivar.Measure(r, measure.RegisterRTMR0, "EV_EFI_VARIABLE_AUTHORITY",
			efivar.Variable{Name: "SbatLevel", VendorGUID: efivar.SbatLevelGUID, Data: in.SbatLevel})
		if err != nil {
			return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr: failed to measure SbatLevel: %w", err)
		}
		events = append(events, ev)
	}

	if len(in.Acpi.AcpiTables) > 0 || len(in.Acpi.Rsdp) > 0 || len(in.Acpi.TableLoader) > 0 {
		var acpiEvents []measure.Event
		r, acpiEvents, err = acpi.Extend(r, in.Acpi)
		if err != nil {
			return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr: failed to measure ACPI set: %w", err)
		}
		events = append(events, acpiEvents...)
	}

	finalSepDigest := separatorDigest()
	r = hasher.RtmrExtend(r, finalSepDigest)
	events = append(events, measure.Event{
		Register: measure.RegisterRTMR0, Type: "EV_SEPARATOR", Digest: finalSepDigest,
		Data: fourZeroBytes[:], Description: "HASH(00000000)",
	})

	return r, events, nil
}

func extendRawAppend(r [hasher.Size]byte, events []measure.Event, reg measure.Register, eventType, description string, data []byte) ([hasher.Size]byte, []measure.Event) {
	d := hasher.Hash(data)
	r = hasher.RtmrExtend(r, d)
	events = append(events, measure.Event{Register: reg, Type: eventType, Digest: d, Data: data, Description: description})
	return r, events
}

// ExtendRTMR1Direct folds RTMR[1] for the direct (OVMF-boots-kernel)
// chain, §4.5: a single Authenticode digest of the kernel image.
func ExtendRTMR1Direct(kernel []byte) ([hasher.Size]byte, []measure.Event, error) {
	digest, err := authenticode.Digest(kernel)
	if err != nil {
		return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr1: failed to measure kernel: %w", err)
	}
	var d [hasher.Size]byte
	copy(d[:], digest)

	r := hasher.RtmrExtend(hasher.NewRegister(), d)
	return r, []measure.Event{{
		Register: measure.RegisterRTMR1, Type: "EV_EFI_BOOT_SERVICES_APPLICATION",
		Digest: d, Data: kernel, Description: "kernel",
	}}, nil
}

// ExtendRTMR1Indirect folds RTMR[1] for the shim->GRUB chain, §4.5: the
// GPT event, then the SHIM and GRUB Authenticode digests, in order.
func ExtendRTMR1Indirect(gptData, shim, grub []byte) ([hasher.Size]byte, []measure.Event, error) {
	r := hasher.NewRegister()
	var events []measure.Event

	gptDigest := hasher.Hash(gptData)
	r = hasher.RtmrExtend(r, gptDigest)
	events = append(events, measure.Event{
		Register: measure.RegisterRTMR1, Type: "EV_EFI_GPT_EVENT",
		Digest: gptDigest, Data: gptData, Description: "UEFI_GPT_DATA",
	})

	for _, stage := range []struct {
		name  string
		image []byte
	}{{"shim", shim}, {"grub", grub}} {
		digest, err := authenticode.Digest(stage.image)
		if err != nil {
			return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr1: failed to measure %s: %w", stage.name, err)
		}
		var d [hasher.Size]byte
		copy(d[:], digest)
		r = hasher.RtmrExtend(r, d)
		events = append(events, measure.Event{
			Register: measure.RegisterRTMR1, Type: "EV_EFI_BOOT_SERVICES_APPLICATION",
			Digest: d, Data: stage.image, Description: stage.name,
		})
	}

	return r, events, nil
}

func utf16LECstr(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	return enc.Bytes(append([]byte(s), 0x00))
}

// ExtendRTMR2Direct folds RTMR[2] for the direct chain, §4.6: the UTF-16LE
// NUL-terminated command line, then the raw initrd bytes.
func ExtendRTMR2Direct(cmdline string, initrd []byte) ([hasher.Size]byte, []measure.Event, error) {
	encoded, err := utf16LECstr(cmdline)
	if err != nil {
		return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr2: failed to encode cmdline: %w", err)
	}

	r := hasher.NewRegister()
	var events []measure.Event
	r, events = extendRawAppend(r, events, measure.RegisterRTMR2, "EV_EVENT_TAG", "cmdline", encoded)
	r, events = extendRawAppend(r, events, measure.RegisterRTMR2, "EV_EVENT_TAG", "initrd", initrd)
	return r, events, nil
}

// ExtendRTMR2Indirect folds RTMR[2] for the shim->GRUB chain, §4.6: the
// GRUB-labeled command line, then MokList, MokListTrusted and MokListX in
// that order.
func ExtendRTMR2Indirect(cmdline string, mokList, mokListTrusted, mokListX []byte) ([hasher.Size]byte, []measure.Event, error) {
	cmdlineUTF16, err := utf16LECstr(cmdline)
	if err != nil {
		return [hasher.Size]byte{}, nil, fmt.Errorf("rtmr2: failed to encode cmdline: %w", err)
	}
	labeled := append(append([]byte("kernel_cmdline"), 0x00), cmdlineUTF16...)

	r := hasher.NewRegister()
	var events []measure.Event
	r, events = extendRawAppend(r, events, measure.RegisterRTMR2, "EV_EVENT_TAG", "kernel_cmdline", labeled)

	moks := []struct {
		name string
		data []byte
	}{
		{"MokList", mokList},
		{"MokListTrusted", mokListTrusted},
		{"MokListX", mokListX},
	}
	for _, m := range moks {
		tagged := append(append([]byte(m.name), 0x00), m.data...)
		r, events = extendRawAppend(r, events, measure.RegisterRTMR2, "EV_IPL", m.name, tagged)
	}
	return r, events, nil
}
