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

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BootConfig is the platform/firmware portion of the image metadata, §6.
// Every path is resolved relative to the metadata file's directory.
type BootConfig struct {
	Cpus         uint32 `json:"cpus"`
	Memory       string `json:"memory"`
	Bios         string `json:"bios"`
	AcpiTables   string `json:"acpi_tables"`
	Rsdp         string `json:"rsdp,omitempty"`
	TableLoader  string `json:"table_loader,omitempty"`
	BootOrder    string `json:"boot_order,omitempty"`
	PathBootXxxx string `json:"path_boot_xxxx,omitempty"`
	SecureBoot   string `json:"secure_boot,omitempty"`
	Pk           string `json:"pk,omitempty"`
	Kek          string `json:"kek,omitempty"`
	Db           string `json:"db,omitempty"`
	Dbx          string `json:"dbx,omitempty"`
}

// DirectBoot is the OVMF-boots-kernel pipeline's inputs.
type DirectBoot struct {
	Kernel  string `json:"kernel"`
	Initrd  string `json:"initrd"`
	Cmdline string `json:"cmdline"`
}

// IndirectBoot is the shim->GRUB pipeline's inputs. Shim and Grub name the
// PE images measured into RTMR[1]; the reference implementation extracts
// them from the qcow2's EFI system partition, but this module has no
// FAT-filesystem reader anywhere in its lineage, so they are named
// directly as metadata paths instead (see DESIGN.md).
type IndirectBoot struct {
	Qcow2          string `json:"qcow2"`
	Cmdline        string `json:"cmdline"`
	Shim           string `json:"shim"`
	Grub           string `json:"grub"`
	MokList        string `json:"mok_list,omitempty"`
	MokListTrusted string `json:"mok_list_trusted,omitempty"`
	MokListX       string `json:"mok_list_x,omitempty"`
	SbatLevel      string `json:"sbat_level,omitempty"`
}

// ImageConfig is the top-level JSON metadata document, §6: a platform
// configuration plus exactly one of a direct- or indirect-boot image
// description, unless an orchestrator mode overrides that requirement.
type ImageConfig struct {
	BootConfig *BootConfig   `json:"boot_config,omitempty"`
	Direct     *DirectBoot   `json:"direct,omitempty"`
	Indirect   *IndirectBoot `json:"indirect,omitempty"`
}

// ParseImageConfig decodes a metadata document. It does not check the
// direct/indirect invariant; Validate does that.
func ParseImageConfig(data []byte) (*ImageConfig, error) {
	var cfg ImageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &InvalidMetadataError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return &cfg, nil
}

// Validate checks the structural invariant that exactly one of Direct or
// Indirect is present, unless requireBootImage is false (platform-only
// mode measures neither).
func (c *ImageConfig) Validate(requireBootImage bool) error {
	if !requireBootImage {
		return nil
	}
	if c.Direct == nil && c.Indirect == nil {
		return &InvalidMetadataError{Reason: "exactly one of direct or indirect must be present, found neither"}
	}
	if c.Direct != nil && c.Indirect != nil {
		return &InvalidMetadataError{Reason: "exactly one of direct or indirect must be present, found both"}
	}
	return nil
}

// ParseMemorySize parses a power-of-two memory size with a K/M/G suffix,
// e.g. "1G" = 2^30 bytes and "2G" = 2^31 bytes: the suffix is the binary
// (1024-based) multiplier, not decimal.
func ParseMemorySize(s string) (uint64, error) {
	if s == "" {
		return 0, &MissingInputError{Field: "memory"}
	}
	suffix := s[len(s)-1]
	var mult uint64
	switch suffix {
	case 'K', 'k':
		mult = 1 << 10
	case 'M', 'm':
		mult = 1 << 20
	case 'G', 'g':
		mult = 1 << 30
	default:
		return 0, &InvalidMetadataError{Reason: fmt.Sprintf("memory %q: unrecognized suffix, want K/M/G", s)}
	}
	numeric := strings.TrimSpace(s[:len(s)-1])
	n, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, &InvalidMetadataError{Reason: fmt.Sprintf("memory %q: %v", s, err)}
	}
	return n * mult, nil
}
