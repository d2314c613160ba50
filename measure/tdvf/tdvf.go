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

// Package tdvf locates the TDVF metadata table inside an OVMF firmware
// image (the "OVMF/TDVF layout" component): the reset-vector footer, the
// section table that describes BFV/CFV/TD-HOB regions, and the per-section
// page attributes the MRTD engine folds over.
package tdvf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Section types as defined by the TDVF metadata table.
const (
	SectionBFV     = 0 // TDVF_SECTION_TYPE_BFV
	SectionCFV     = 1 // TDVF_SECTION_TYPE_CFV
	SectionTDHob   = 2 // TDVF_SECTION_TYPE_TD_HOB
	SectionTempMem = 3 // TDVF_SECTION_TYPE_TEMP_MEM
	SectionPermMem = 4 // TDVF_SECTION_TYPE_PERM_MEM
	SectionTDInfo  = 7 // TDVF_SECTION_TYPE_TD_INFO
)

const (
	pageSize = 0x1000

	metadataSignature = 0x46564454 // "TDVF"
	metadataVersion    = 1

	// attributeExtendMemPageAdd, when set on a section, means that
	// section's pages are already accounted for outside the ordinary
	// MEM.PAGE.AUG fold and no AUG event should be emitted for them.
	attributeExtendMemPageAdd = 0x02
	// attributeExtendMr, when set, means the section's bytes are also
	// folded in via MEM.PAGE.EXTEND events.
	attributeExtendMr = 0x01

	tableFooterGuidOffset = 0x30
	descriptorOffset      = 0x20
)

// ovmfTableFooterGUID and tdxMetadataGUID are fixed identifiers from the
// OVMF reset-vector table-of-tables convention; both are little-endian
// encodings of the well-known GUIDs.
var (
	ovmfTableFooterGUID = [16]byte{0xde, 0x82, 0xb5, 0x96, 0xb2, 0x1f, 0xf7, 0x45, 0xba, 0xea, 0xa3, 0x66, 0xc5, 0x5a, 0x08, 0x2d}
	tdxMetadataGUID      = [16]byte{0x35, 0x65, 0x7a, 0xe4, 0x4a, 0x98, 0x98, 0x47, 0x86, 0x5e, 0x46, 0x85, 0xa7, 0xbf, 0x8e, 0xc2}
)

type descriptor struct {
	Signature            uint32
	Length               uint32
	Version              uint32
	NumberOfSectionEntry uint32
}

// Section is one page-addressable region of the firmware image.
type Section struct {
	Type           uint32
	DataOffset     uint32
	RawDataSize    uint32
	MemoryAddress  uint64
	MemoryDataSize uint64

	// Augment is true when this section's pages each need a
	// MEM.PAGE.AUG event.
	Augment bool
	// Extend is true when this section's bytes are additionally folded
	// in 256-byte chunks via MEM.PAGE.EXTEND events.
	Extend bool
}

// Metadata is the parsed TDVF metadata table: every page-backed region of
// the firmware image in file order.
type Metadata struct {
	Sections []Section
}

// Parse locates and parses the TDVF metadata table within an OVMF image.
func Parse(ovmf []byte) (*Metadata, error) {
	off, err := metadataOffset(ovmf)
	if err != nil {
		return nil, fmt.Errorf("failed to locate TDVF metadata: %w", err)
	}
	// 16-byte GUID precedes the descriptor.
	off += 16

	var desc descriptor
	if off+uint64(binary.Size(desc)) > uint64(len(ovmf)) {
		return nil, fmt.Errorf("tdvf descriptor truncated")
	}
	r := bytes.NewReader(ovmf[off:])
	if err := binary.Read(r, binary.LittleEndian, &desc); err != nil {
		return nil, fmt.Errorf("failed to read tdvf descriptor: %w", err)
	}
	if err := validateDescriptor(&desc); err != nil {
		return nil, fmt.Errorf("invalid tdvf descriptor: %w", err)
	}

	var sectionOnWire struct {
		DataOffset     uint32
		RawDataSize    uint32
		MemoryAddress  uint64
		MemoryDataSize uint64
		Type           uint32
		Attributes     uint32
	}
	sectionSize := binary.Size(sectionOnWire)
	if binary.Size(desc)+int(desc.NumberOfSectionEntry)*sectionSize != int(desc.Length) ||
		off+uint64(desc.Length) > uint64(len(ovmf)) {
		return nil, fmt.Errorf("tdvf metadata sections malformed")
	}

	md := &Metadata{}
	for i := 0; i < int(desc.NumberOfSectionEntry); i++ {
		if err := binary.Read(r, binary.LittleEndian, &sectionOnWire); err != nil {
			return nil, fmt.Errorf("failed to read tdvf section %d: %w", i, err)
		}
		if sectionOnWire.MemoryAddress%pageSize != 0 {
			return nil, fmt.Errorf("tdvf section %d: memory address not 4K aligned", i)
		}
		if sectionOnWire.MemoryDataSize%pageSize != 0 {
			return nil, fmt.Errorf("tdvf section %d: memory data size not 4K aligned", i)
		}
		if uint64(sectionOnWire.DataOffset)+uint64(sectionOnWire.RawDataSize) > uint64(len(ovmf)) {
			return nil, fmt.Errorf("tdvf section %d: data range exceeds image size", i)
		}
		md.Sections = append(md.Sections, Section{
			Type:           sectionOnWire.Type,
			DataOffset:     sectionOnWire.DataOffset,
			RawDataSize:    sectionOnWire.RawDataSize,
			MemoryAddress:  sectionOnWire.MemoryAddress,
			MemoryDataSize: sectionOnWire.MemoryDataSize,
			Augment:        sectionOnWire.Attributes&attributeExtendMemPageAdd == 0,
			Extend:         sectionOnWire.Attributes&attributeExtendMr != 0,
		})
	}
	return md, nil
}

// CFV returns the raw bytes of the configuration firmware volume section,
// the slice measured directly (not page-folded) into RTMR[0].
func (m *Metadata) CFV(ovmf []byte) ([]byte, error) {
	for _, s := range m.Sections {
		if s.Type != SectionCFV {
			continue
		}
		return ovmf[s.DataOffset : s.DataOffset+s.RawDataSize], nil
	}
	return nil, fmt.Errorf("no CFV section present in tdvf metadata")
}

// TDHobAddress returns the guest-physical base address the VMM will place
// the TD-HOB at, if the metadata names one explicitly; otherwise ok is
// false and the caller should fall back to the conventional base.
func (m *Metadata) TDHobAddress() (addr uint64, ok bool) {
	for _, s := range m.Sections {
		if s.Type == SectionTDHob {
			return s.MemoryAddress, true
		}
	}
	return 0, false
}

func validateDescriptor(d *descriptor) error {
	if d.Signature != metadataSignature {
		return fmt.Errorf("bad signature 0x%x (want 0x%x)", d.Signature, metadataSignature)
	}
	if d.Version != metadataVersion {
		return fmt.Errorf("unsupported version %d (want %d)", d.Version, metadataVersion)
	}
	if d.NumberOfSectionEntry == 0 {
		return fmt.Errorf("zero section entries")
	}
	return nil
}

// metadataOffset walks the OVMF reset-vector table-of-tables backward from
// the end of the image to find the TDVF metadata table's file offset.
func metadataOffset(ovmf []byte) (uint64, error) {
	if tableFooterGuidOffset > len(ovmf) || tableFooterGuidOffset < 16 {
		return 0, fmt.Errorf("ovmf image too small")
	}

	footerOff := len(ovmf) - tableFooterGuidOffset
	footerGUID := ovmf[footerOff : footerOff+16]

	if !bytes.Equal(footerGUID, ovmfTableFooterGUID[:]) {
		// No table-of-tables: the legacy convention stores the metadata
		// offset as a plain 4-byte little-endian value.
		return uint64(binary.LittleEndian.Uint32(ovmf[len(ovmf)-descriptorOffset-16:])), nil
	}

	tableOff := footerOff - 2 - 16
	tableLen := int(binary.LittleEndian.Uint16(ovmf[tableOff:])) - 2

	for count := 0; count < tableLen; {
		guid := ovmf[tableOff : tableOff+16]
		length := int(binary.LittleEndian.Uint16(ovmf[tableOff-2:]))

		if !bytes.Equal(guid, tdxMetadataGUID[:]) {
			tableOff -= length
			count += length
			continue
		}

		return uint64(len(ovmf)) - uint64(binary.LittleEndian.Uint32(ovmf[tableOff-2-4:])) - 16, nil
	}
	return 0, fmt.Errorf("tdvf metadata table not found")
}
