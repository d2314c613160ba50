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

package measure

import "github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"

// Register identifies which measurement register an Event extends.
type Register int

const (
	RegisterMRTD Register = iota
	RegisterRTMR0
	RegisterRTMR1
	RegisterRTMR2
)

func (r Register) String() string {
	switch r {
	case RegisterMRTD:
		return "MRTD"
	case RegisterRTMR0:
		return "RTMR0"
	case RegisterRTMR1:
		return "RTMR1"
	case RegisterRTMR2:
		return "RTMR2"
	default:
		return "UNKNOWN"
	}
}

// Event is a single append-only entry in the event log the RTMR engine
// replays. Digest is what extends the register; Data is the event-log
// payload a real guest would read back (may be empty, e.g. for an empty
// initrd). The MRTD fold emits no events.
type Event struct {
	Register    Register
	Type        string
	Digest      [hasher.Size]byte
	Data        []byte
	Description string
}
