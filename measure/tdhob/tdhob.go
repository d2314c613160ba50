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

// Package tdhob builds the byte-exact TD Hand-Off Block list the VMM
// hands to the TD: a Phase Handoff Information Table followed by Resource
// Descriptor HOBs describing initial memory, in the canonical order the
// firmware expects them.
package tdhob

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	hobTypeHandoff             = 0x01
	hobTypeResourceDescriptor  = 0x03
	hobTypeEndOfHobList        = 0xFFFF
	hobHandoffTableVersion     = 0x09
	bootWithFullConfiguration  = 0x00

	resourceSystemMemory     = 0x00
	resourceMemoryUnaccepted = 0x07

	resourceAttributePresent     = 0x01
	resourceAttributeInitialized = 0x02
	resourceAttributeTested      = 0x04

	fourGiB          = 0x1_0000_0000
	highMemThreshold = 0xB000_0000 // 2.75 GiB, per spec.md's TD-HOB high-memory threshold
)

// hobHeader is the generic header every HOB entry carries.
type hobHeader struct {
	HobType   uint16
	HobLength uint16
	Reserved  uint32
}

// handoffInfoTable is the first HOB in the list, carrying CPU/boot-mode
// state; UEFI Platform Initialization Specification, Vol. 3, ch. 5.
// CpuCount/Reserved extend the base PHIT layout to carry the TD's vCPU
// count, per spec.md §4.7 ("CPU count is encoded in the handoff header");
// Reserved keeps the table 8-byte aligned.
type handoffInfoTable struct {
	Header              hobHeader
	Version             uint32
	BootMode            uint32
	CpuCount            uint32
	Reserved            uint32
	EfiMemoryTop        uint64
	EfiMemoryBottom     uint64
	EfiFreeMemoryTop    uint64
	EfiFreeMemoryBottom uint64
	EfiEndOfHobList     uint64
}

// endOfHobList is the terminator HOB every TD-HOB list must end with.
type endOfHobList struct {
	Header hobHeader
}

// resourceDescriptor describes one non-relocatable memory resource range.
type resourceDescriptor struct {
	Header            hobHeader
	Owner             [16]byte
	ResourceType      uint32
	ResourceAttribute uint32
	PhysicalStart     uint64
	ResourceLength    uint64
}

// FirmwareRegion is one fixed, firmware-layout-defined reserved or
// system-memory sub-region below the main firmware volume, e.g. the SEC
// page tables or GHCB scratch area. These offsets come from the firmware
// build (OvmfPkg/OvmfPkgX64.fdf) and do not depend on memory_bytes.
type FirmwareRegion struct {
	PhysicalStart uint64
	Length        uint64
	Unaccepted    bool // true for EFI_RESOURCE_MEMORY_UNACCEPTED, false for EFI_RESOURCE_SYSTEM_MEMORY
}

// DefaultFirmwareRegions is the canonical OVMF/TDVF sub-region layout below
// the main PEI/DXE firmware volume, covering [0, 0x8000_0000).
func DefaultFirmwareRegions() []FirmwareRegion {
	return []FirmwareRegion{
		{PhysicalStart: 0x000000, Length: 0x800000, Unaccepted: true},   // reserved BIOS legacy area
		{PhysicalStart: 0x800000, Length: 0x006000, Unaccepted: false},  // SEC page tables
		{PhysicalStart: 0x806000, Length: 0x003000, Unaccepted: true},   // lockbox storage
		{PhysicalStart: 0x809000, Length: 0x002000, Unaccepted: false},  // SEC GHCB
		{PhysicalStart: 0x80b000, Length: 0x002000, Unaccepted: true},   // SEC work area
		{PhysicalStart: 0x80d000, Length: 0x004000, Unaccepted: false},  // SNP secrets / CPUID / APIC page tables
		{PhysicalStart: 0x811000, Length: 0x00f000, Unaccepted: true},   // SEC PEI temp RAM
		{PhysicalStart: 0x820000, Length: 0x7f7e0000, Unaccepted: true}, // PEI+DXE memory-mapped firmware volumes
	}
}

// Build produces the byte-exact TD-HOB list for a TD with cpuCount virtual
// CPUs and memoryBytes of guest memory, given the firmware's fixed
// sub-region layout. The canonical ordering is: low DRAM below the
// reserved firmware regions, the firmware regions themselves, remaining
// low DRAM up to 4 GiB, then high DRAM from 4 GiB to memoryBytes if that
// exceeds the 2.75 GiB threshold, then the End-of-HOB-List terminator.
func Build(cpuCount uint8, memoryBytes uint64, firmware []FirmwareRegion) ([]byte, error) {
	if len(firmware) == 0 {
		return nil, fmt.Errorf("tdhob: at least one firmware region is required")
	}

	var buf bytes.Buffer

	handoff := handoffInfoTable{
		Header: hobHeader{
			HobType:   hobTypeHandoff,
			HobLength: uint16(binary.Size(handoffInfoTable{})),
		},
		Version:         hobHandoffTableVersion,
		BootMode:        bootWithFullConfiguration,
		CpuCount:        uint32(cpuCount),
		EfiEndOfHobList: 0x8091f0,
	}
	if err := binary.Write(&buf, binary.LittleEndian, handoff); err != nil {
		return nil, fmt.Errorf("tdhob: failed to write handoff table: %w", err)
	}

	firmwareBase := firmware[0].PhysicalStart
	firmwareEnd := firmware[len(firmware)-1].PhysicalStart + firmware[len(firmware)-1].Length

	writeResource := func(start, length uint64, unaccepted bool, allowZero bool) error {
		if length == 0 && !allowZero {
			return nil
		}
		rtype := uint32(resourceSystemMemory)
		if unaccepted {
			rtype = resourceMemoryUnaccepted
		}
		rd := resourceDescriptor{
			Header: hobHeader{
				HobType:   hobTypeResourceDescriptor,
				HobLength: uint16(binary.Size(resourceDescriptor{})),
			},
			ResourceType: rtype,
			ResourceAttribute: resourceAttributePresent |
				resourceAttributeInitialized | resourceAttributeTested,
			PhysicalStart:  start,
			ResourceLength: length,
		}
		return binary.Write(&buf, binary.LittleEndian, rd)
	}

	// Low DRAM below the reserved firmware region.
	if err := writeResource(0, firmwareBase, false, false); err != nil {
		return nil, fmt.Errorf("tdhob: failed to write low DRAM resource: %w", err)
	}

	// The firmware's own fixed sub-regions.
	for _, r := range firmware {
		if err := writeResource(r.PhysicalStart, r.Length, r.Unaccepted, false); err != nil {
			return nil, fmt.Errorf("tdhob: failed to write firmware resource: %w", err)
		}
	}

	// Remaining low DRAM up to 4 GiB (or up to memoryBytes, if memory is
	// smaller than 4 GiB).
	lowEnd := memoryBytes
	if lowEnd > fourGiB {
		lowEnd = fourGiB
	}
	if lowEnd > firmwareEnd {
		if err := writeResource(firmwareEnd, lowEnd-firmwareEnd, false, false); err != nil {
			return nil, fmt.Errorf("tdhob: failed to write remaining low DRAM resource: %w", err)
		}
	}

	// High DRAM above 4 GiB, only present once memoryBytes exceeds the
	// 2.75 GiB threshold (see spec's Open Question on this boundary).
	// Written even when its length is zero (memoryBytes == 4 GiB exactly),
	// so that crossing the threshold always adds one resource descriptor.
	if memoryBytes > highMemThreshold {
		high := uint64(0)
		if memoryBytes > fourGiB {
			high = memoryBytes - fourGiB
		}
		if err := writeResource(fourGiB, high, false, true); err != nil {
			return nil, fmt.Errorf("tdhob: failed to write high DRAM resource: %w", err)
		}
	}

	terminator := endOfHobList{
		Header: hobHeader{
			HobType:   hobTypeEndOfHobList,
			HobLength: uint16(binary.Size(endOfHobList{})),
		},
	}
	if err := binary.Write(&buf, binary.LittleEndian, terminator); err != nil {
		return nil, fmt.Errorf("tdhob: failed to write end-of-hob-list terminator: %w", err)
	}

	return buf.Bytes(), nil
}
