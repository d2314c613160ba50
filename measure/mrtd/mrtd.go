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

// Package mrtd folds a TDVF-described firmware image into MRTD: the
// build-time measurement register covering the TD's initial memory image.
package mrtd

import (
	"fmt"
	"sort"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/tdvf"
)

// page is one 4 KiB-aligned firmware page pending folding.
type page struct {
	addr    uint64
	data    []byte // section bytes backing this page, only if extend is set
	augment bool
	extend  bool
}

// Fold computes MRTD over the firmware image described by md. twoPass
// selects the event ordering: when true, every page's MEM.PAGE.AUG event is
// emitted before any MEM.PAGE.EXTEND event, for all pages, in address
// order (required for bit-compatibility with some VMM versions); when
// false (the default, "one-pass"), each page's AUG event is immediately
// followed by its own 16 EXTEND events.
func Fold(ovmf []byte, md *tdvf.Metadata, twoPass bool) ([hasher.Size]byte, error) {
	pages, err := enumeratePages(ovmf, md)
	if err != nil {
		return [hasher.Size]byte{}, err
	}

	s := hasher.NewStream()

	if twoPass {
		for _, p := range pages {
			if p.augment {
				s.PageAug(p.addr)
			}
		}
		for _, p := range pages {
			if p.extend {
				foldExtend(s, p)
			}
		}
	} else {
		for _, p := range pages {
			if p.augment {
				s.PageAug(p.addr)
			}
			if p.extend {
				foldExtend(s, p)
			}
		}
	}

	return s.Sum(), nil
}

// foldExtend emits the page's 16 MEM.PAGE.EXTEND events, one per 256-byte
// chunk, in chunk order.
func foldExtend(s *hasher.Stream, p page) {
	chunkSize := hasher.ChunkSize()
	for i := 0; i < hasher.ChunksPerPage(); i++ {
		off := i * chunkSize
		s.PageExtend(p.addr+uint64(off), p.data[off:off+chunkSize])
	}
}

// enumeratePages expands every TDVF section into its constituent 4 KiB
// pages, in ascending guest-physical-address order; pages are disjoint by
// construction (the firmware image partitions into sections, and sections
// partition into non-overlapping pages), so no address appears twice.
func enumeratePages(ovmf []byte, md *tdvf.Metadata) ([]page, error) {
	var pages []page
	for _, s := range md.Sections {
		count := s.MemoryDataSize / hasher.PageSize
		for i := uint64(0); i < count; i++ {
			addr := s.MemoryAddress + i*hasher.PageSize
			p := page{addr: addr, augment: s.Augment, extend: s.Extend}
			if s.Extend {
				dataOff := int64(s.DataOffset) + int64(i)*hasher.PageSize
				if dataOff < 0 || dataOff+hasher.PageSize > int64(len(ovmf)) {
					return nil, fmt.Errorf("mrtd: section data for page at 0x%x exceeds image size", addr)
				}
				p.data = ovmf[dataOff : dataOff+hasher.PageSize]
			}
			pages = append(pages, p)
		}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].addr < pages[j].addr })
	return pages, nil
}
