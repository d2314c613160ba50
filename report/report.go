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

// Package report turns an engine.Report into the three output shapes
// §6 of the measurement core names: a four-line text report, a JSON
// report with suppressed registers omitted, and a per-event transcript.
package report

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
)

// Registers is the minimal shape report.Text/report.JSON need: each
// pointer is nil when that register was not measured in this run.
type Registers struct {
	Mrtd  *[hasher.Size]byte
	Rtmr0 *[hasher.Size]byte
	Rtmr1 *[hasher.Size]byte
	Rtmr2 *[hasher.Size]byte
}

// Text renders the four-line report: one "NAME: <hex96>" line per
// measured register, in MRTD/RTMR0/RTMR1/RTMR2 order, omitting any
// register that was not measured.
func Text(w io.Writer, r Registers) error {
	lines := []struct {
		name string
		val  *[hasher.Size]byte
	}{
		{"MRTD", r.Mrtd},
		{"RTMR0", r.Rtmr0},
		{"RTMR1", r.Rtmr1},
		{"RTMR2", r.Rtmr2},
	}
	var b strings.Builder
	for _, l := range lines {
		if l.val == nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", l.name, hex.EncodeToString(l.val[:]))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// jsonReport is the wire shape of the JSON report: every field is
// omitted when its register was not measured, per §6.
type jsonReport struct {
	Mrtd  string `json:"mrtd,omitempty"`
	Rtmr0 string `json:"rtmr0,omitempty"`
	Rtmr1 string `json:"rtmr1,omitempty"`
	Rtmr2 string `json:"rtmr2,omitempty"`
}

// JSON renders the JSON report shape described in §6.
func JSON(w io.Writer, r Registers) error {
	out := jsonReport{}
	if r.Mrtd != nil {
		out.Mrtd = hex.EncodeToString(r.Mrtd[:])
	}
	if r.Rtmr0 != nil {
		out.Rtmr0 = hex.EncodeToString(r.Rtmr0[:])
	}
	if r.Rtmr1 != nil {
		out.Rtmr1 = hex.EncodeToString(r.Rtmr1[:])
	}
	if r.Rtmr2 != nil {
		out.Rtmr2 = hex.EncodeToString(r.Rtmr2[:])
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// transcriptEvent is one row of the human-readable per-event trace §6
// names: {index, register, type, digest, description, data}.
type transcriptEvent struct {
	Index       int    `json:"index"`
	Register    string `json:"register"`
	Type        string `json:"type"`
	Digest      string `json:"digest"`
	Description string `json:"description"`
	Data        string `json:"data,omitempty"`
}

// Transcript renders the ordered event trace backing a measurement
// run: one JSON object per line, in emission order. Data is rendered
// as hex; events with an empty payload (e.g. an empty initrd) omit the
// data field entirely.
func Transcript(w io.Writer, events []measure.Event) error {
	enc := json.NewEncoder(w)
	for i, e := range events {
		row := transcriptEvent{
			Index:       i,
			Register:    e.Register.String(),
			Type:        e.Type,
			Digest:      hex.EncodeToString(e.Digest[:]),
			Description: e.Description,
		}
		if len(e.Data) > 0 {
			row.Data = hex.EncodeToString(e.Data)
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("report: failed to write transcript event %d: %w", i, err)
		}
	}
	return nil
}
