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

// Package efivar serializes UEFI variables into the TCG UEFI_VARIABLE_DATA
// wire format and folds them into a measurement register: Secure Boot state
// (SecureBoot/PK/KEK/db/dbx), BootOrder/Boot####, the MOK lists, and
// SbatLevel.
package efivar

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
	"golang.org/x/text/encoding/unicode"
)

// Well-known vendor GUIDs for the variables this package measures.
var (
	GlobalVariableGUID       = [16]byte{0x61, 0xdf, 0xe4, 0x8b, 0xca, 0x93, 0xd2, 0x11, 0xaa, 0x0d, 0x00, 0xe0, 0x98, 0x03, 0x2b, 0x8c}
	ImageSecurityDatabaseGUID = [16]byte{0xcb, 0xb2, 0x19, 0xd7, 0x3a, 0x3d, 0x96, 0x45, 0xa3, 0xbc, 0xda, 0xd0, 0x0e, 0x67, 0x65, 0x6f}
	SbatLevelGUID             = [16]byte{0x50, 0xab, 0x5d, 0x60, 0x46, 0xe0, 0x00, 0x43, 0xab, 0xb6, 0x3d, 0xd8, 0x10, 0xdd, 0x8b, 0x23}
)

const efivarfsHeaderSize = 4 // 4-byte attributes header as written to /sys/firmware/efi/efivars

// load option device path node types/subtypes and attributes, UEFI
// Specification Release 2.10 Errata A, 3.1.3 and 10.3.1.
const (
	loadOptionActive      = 1 << 0
	loadOptionHidden      = 1 << 3
	loadOptionCategoryApp = 1 << 8

	mediaDevicePathType     = 4
	firmwareVolumeSubType   = 7
	firmwareFileSubType     = 6
	endOfPathType           = 0x7f
	endEntireDevicePathSub  = 0xff
)

// fvNameGUID and fileGUID identify the UiApp firmware volume/file the
// platform's default Boot0000 load option targets.
var (
	fvNameGUID = [16]byte{0xc9, 0xbd, 0xb8, 0x7c, 0xeb, 0xf8, 0x34, 0x4f, 0xaa, 0xea, 0x3e, 0xe4, 0xaf, 0x65, 0x16, 0xa1}
	fileGUID   = [16]byte{0x21, 0xaa, 0x2c, 0x46, 0x14, 0x76, 0x03, 0x45, 0x83, 0x6e, 0x8a, 0xb6, 0xf4, 0x66, 0x23, 0x31}
)

// Variable is one UEFI variable to be folded into UEFI_VARIABLE_DATA and
// measured.
type Variable struct {
	Name       string
	VendorGUID [16]byte
	Data       []byte
}

func utf16LE(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Serialize encodes v as UEFI_VARIABLE_DATA:
//
//	VendorGuid(16) || UnicodeNameLength(u64 LE) || VariableDataLength(u64 LE)
//	|| UTF16LE(Name) || Data
//
// UnicodeNameLength counts CHAR16 units, not bytes.
func Serialize(v Variable) ([]byte, error) {
	name, err := utf16LE(v.Name)
	if err != nil {
		return nil, fmt.Errorf("efivar: failed to encode variable name %q: %w", v.Name, err)
	}
	nameUnits := uint64(len(name) / 2)

	var buf bytes.Buffer
	buf.Write(v.VendorGUID[:])

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], nameUnits)
	buf.Write(lenBuf[:])
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(v.Data)))
	buf.Write(lenBuf[:])

	buf.Write(name)
	buf.Write(v.Data)
	return buf.Bytes(), nil
}

// Measure serializes v, hashes the result, extends r, and returns the
// resulting register plus the event produced.
func Measure(r [hasher.Size]byte, reg measure.Register, eventType string, v Variable) ([hasher.Size]byte, measure.Event, error) {
	data, err := Serialize(v)
	if err != nil {
		return r, measure.Event{}, err
	}
	d := hasher.Hash(data)
	r = hasher.RtmrExtend(r, d)
	return r, measure.Event{
		Register:    reg,
		Type:        eventType,
		Digest:      d,
		Data:        data,
		Description: v.Name,
	}, nil
}

// MeasureRaw extends r directly over pre-serialized bytes, for variables
// supplied as a file already holding a UEFI_VARIABLE_DATA blob (e.g. MOK
// lists exported from efivarfs).
func MeasureRaw(r [hasher.Size]byte, reg measure.Register, eventType, description string, data []byte) ([hasher.Size]byte, measure.Event) {
	d := hasher.Hash(data)
	r = hasher.RtmrExtend(r, d)
	return r, measure.Event{
		Register:    reg,
		Type:        eventType,
		Digest:      d,
		Data:        data,
		Description: description,
	}
}

// StripEfivarfsHeader removes the leading UEFI_VARIABLE_DATA header from
// data if present, or the 4-byte efivarfs attributes header otherwise,
// returning the variable's raw value as the kernel would hand it to a
// reader of /sys/firmware/efi/efivars/<name>.
func StripEfivarfsHeader(data []byte, vendorGUID [16]byte) []byte {
	const minSize = 16 + 8 + 8
	if len(data) > minSize && bytes.Equal(data[:16], vendorGUID[:]) {
		nameUnits := binary.LittleEndian.Uint64(data[16:24])
		offset := uint64(minSize) + nameUnits*2
		if offset <= uint64(len(data)) {
			return data[offset:]
		}
	}
	if len(data) > efivarfsHeaderSize {
		return data[efivarfsHeaderSize:]
	}
	return data
}

// BootOrder serializes a BootOrder variable's value: an array of uint16
// Boot#### indices, little-endian. A platform with no explicit boot order
// measures a single default entry, index 0.
func BootOrder(indices []uint16) []byte {
	if len(indices) == 0 {
		indices = []uint16{0}
	}
	buf := make([]byte, 2*len(indices))
	for i, v := range indices {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

// DefaultBootOption builds the EFI_LOAD_OPTION value for the platform's
// built-in Boot0000 entry (the "UiApp" firmware volume application),
// measured when the platform carries no explicit Boot#### variables.
func DefaultBootOption() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, uint32(loadOptionActive|loadOptionHidden|loadOptionCategoryApp))

	path := defaultFilePathList()
	binary.Write(&buf, binary.LittleEndian, uint16(len(path)))

	for _, unit := range utf16Units("UiApp") {
		binary.Write(&buf, binary.LittleEndian, unit)
	}
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // NUL terminator

	buf.Write(path)
	return buf.Bytes()
}

func utf16Units(s string) []uint16 {
	b, err := utf16LE(s)
	if err != nil {
		return nil
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return units
}

func devicePathNode(nodeType, subType uint8, data []byte) []byte {
	node := []byte{nodeType, subType}
	node = binary.LittleEndian.AppendUint16(node, uint16(len(data)+4))
	return append(node, data...)
}

// defaultFilePathList builds the device path to the platform's built-in
// UiApp firmware volume application: a PIWG firmware-volume node followed by
// a PIWG firmware-file node and an end-of-path node.
func defaultFilePathList() []byte {
	var buf []byte
	buf = append(buf, devicePathNode(mediaDevicePathType, firmwareVolumeSubType, fvNameGUID[:])...)
	buf = append(buf, devicePathNode(mediaDevicePathType, firmwareFileSubType, fileGUID[:])...)
	buf = append(buf, devicePathNode(endOfPathType, endEntireDevicePathSub, nil)...)
	return buf
}
