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

// Package acpi measures the ACPI configuration set the firmware hands the
// guest: the assembled ACPI tables blob, the RSDP, and the QEMU table
// loader script, each extended into RTMR[0] as its own
// EV_PLATFORM_CONFIG_FLAGS event.
package acpi

import (
	"fmt"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
)

// Set is the three ACPI-related inputs measured into RTMR[0]. A nil or
// empty field is skipped: its event is not emitted at all.
type Set struct {
	AcpiTables  []byte
	Rsdp        []byte
	TableLoader []byte
}

type blob struct {
	name string
	tag  string
	data []byte
}

// Extend folds the ACPI set into r, in the order the firmware measures
// them: acpi_tables, then rsdp, then table_loader. It returns the updated
// register and the events emitted, for transcript reporting.
func Extend(r [hasher.Size]byte, s Set) ([hasher.Size]byte, []measure.Event, error) {
	blobs := []blob{
		{name: "/etc/acpi/tables", tag: "EV_PLATFORM_CONFIG_FLAGS", data: s.AcpiTables},
		{name: "/etc/acpi/rsdp", tag: "EV_PLATFORM_CONFIG_FLAGS", data: s.Rsdp},
		{name: "/etc/table-loader", tag: "EV_PLATFORM_CONFIG_FLAGS", data: s.TableLoader},
	}

	var events []measure.Event
	for _, b := range blobs {
		if len(b.data) == 0 {
			continue
		}
		d := hasher.Hash(b.data)
		r = hasher.RtmrExtend(r, d)
		events = append(events, measure.Event{
			Register:    measure.RegisterRTMR0,
			Type:        b.tag,
			Digest:      d,
			Data:        b.data,
			Description: b.name,
		})
	}
	if len(events) == 0 {
		return r, nil, fmt.Errorf("acpi: no ACPI inputs supplied")
	}
	return r, events, nil
}
