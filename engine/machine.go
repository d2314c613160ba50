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

// Package engine resolves a boot-configuration metadata file into the
// concrete byte inputs the measurement packages need, and sequences the
// platform and runtime measurements into a single report. It is the one
// layer in this module that touches the filesystem; everything in
// measure/... and its subpackages works on already-opened byte slices.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/binformat"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/mrtd"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/rtmr"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/tdhob"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/tdvf"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "tdxpredict")

var bootXxxxName = regexp.MustCompile(`^Boot([0-9A-Fa-f]{4})\.bin$`)

// Options carries the CLI-layer choices that change what a Machine
// measures, mirroring the original Rust CLI's flags one-to-one.
type Options struct {
	DirectBootOverride *bool
	PlatformOnly       bool
	RuntimeOnly        bool
	CreateAcpiTables   bool
	TwoPassAddPages    bool
}

// Machine is a fully resolved boot configuration: every metadata path
// joined against the metadata file's directory, plus the dispatch
// decisions (direct vs. indirect boot) a CLI run makes once up front.
type Machine struct {
	cpuCount    uint32
	memoryBytes uint64

	firmwarePath    string
	acpiTablesPath  string
	rsdpPath        string
	tableLoaderPath string
	bootOrderPath   string
	pathBootXxxx    string
	secureBootPath  string
	pkPath          string
	kekPath         string
	dbPath          string
	dbxPath         string

	directBoot bool
	twoPass    bool

	kernelPath string
	initrdPath string
	cmdline    string

	qcow2Path           string
	shimPath            string
	grubPath            string
	mokListPath         string
	mokListTrustedPath  string
	mokListXPath        string
	sbatLevelPath       string

	ovmf []byte
	tdvfMeta *tdvf.Metadata
}

// NewMachine resolves cfg's paths relative to metadataPath's directory and
// decides the effective boot mode, replicating the original CLI's
// cross-validation: a boot mode with no matching JSON section is an error
// unless platform-only mode (which touches neither) is requested.
func NewMachine(metadataPath string, cfg *measure.ImageConfig, opts Options) (*Machine, error) {
	requireBootConfig := !opts.RuntimeOnly
	if cfg.BootConfig == nil && requireBootConfig {
		return nil, &measure.MissingInputError{Field: "boot_config"}
	}
	if err := cfg.Validate(!opts.PlatformOnly); err != nil {
		return nil, err
	}

	dir := filepath.Dir(metadataPath)
	resolve := func(p string) string {
		if p == "" {
			return ""
		}
		return filepath.Join(dir, p)
	}

	m := &Machine{twoPass: opts.TwoPassAddPages}

	if cfg.BootConfig != nil {
		bc := cfg.BootConfig
		mem, err := measure.ParseMemorySize(bc.Memory)
		if err != nil {
			return nil, err
		}
		m.cpuCount = bc.Cpus
		m.memoryBytes = mem
		m.firmwarePath = resolve(bc.Bios)
		m.acpiTablesPath = resolve(bc.AcpiTables)
		m.rsdpPath = resolve(bc.Rsdp)
		m.tableLoaderPath = resolve(bc.TableLoader)
		m.bootOrderPath = resolve(bc.BootOrder)
		m.pathBootXxxx = resolve(bc.PathBootXxxx)
		m.secureBootPath = resolve(bc.SecureBoot)
		m.pkPath = resolve(bc.Pk)
		m.kekPath = resolve(bc.Kek)
		m.dbPath = resolve(bc.Db)
		m.dbxPath = resolve(bc.Dbx)
	}

	hasDirect := cfg.Direct != nil
	hasIndirect := cfg.Indirect != nil
	directBoot := !hasIndirect
	if opts.DirectBootOverride != nil {
		directBoot = *opts.DirectBootOverride
	}
	m.directBoot = directBoot

	if !opts.PlatformOnly {
		switch {
		case directBoot && !hasDirect:
			return nil, fmt.Errorf("engine: direct boot mode specified but no direct boot configuration found in metadata")
		case !directBoot && !hasIndirect:
			return nil, fmt.Errorf("engine: indirect boot mode specified but no indirect boot configuration found in metadata")
		}
	}

	if cfg.Direct != nil {
		m.kernelPath = resolve(cfg.Direct.Kernel)
		m.initrdPath = resolve(cfg.Direct.Initrd)
		m.cmdline = cfg.Direct.Cmdline
	}
	if cfg.Indirect != nil {
		m.qcow2Path = resolve(cfg.Indirect.Qcow2)
		m.shimPath = resolve(cfg.Indirect.Shim)
		m.grubPath = resolve(cfg.Indirect.Grub)
		m.mokListPath = resolve(cfg.Indirect.MokList)
		m.mokListTrustedPath = resolve(cfg.Indirect.MokListTrusted)
		m.mokListXPath = resolve(cfg.Indirect.MokListX)
		m.sbatLevelPath = resolve(cfg.Indirect.SbatLevel)
		m.cmdline = cfg.Indirect.Cmdline
	}

	if err := m.validateAcpiTables(opts); err != nil {
		return nil, err
	}

	return m, nil
}

// validateAcpiTables replicates the original CLI's --create-acpi-tables
// checks: the flag only makes sense for direct boot, and platform
// measurement needs either an externally supplied ACPI tables file or an
// explicit acknowledgement that one will be synthesized upstream (this
// module never synthesizes tables itself, spec.md §9).
func (m *Machine) validateAcpiTables(opts Options) error {
	if opts.CreateAcpiTables && !m.directBoot {
		return fmt.Errorf("engine: --create-acpi-tables is not valid with indirect boot")
	}
	if opts.RuntimeOnly {
		return nil
	}
	if m.acpiTablesPath == "" {
		return &measure.MissingInputError{Field: "boot_config.acpi_tables"}
	}
	if _, err := os.Stat(m.acpiTablesPath); err != nil {
		if !m.directBoot {
			return fmt.Errorf("engine: the ACPI tables file path must be provided in metadata and the file must exist: %s", m.acpiTablesPath)
		}
		if !opts.CreateAcpiTables {
			return fmt.Errorf("engine: either pass --create-acpi-tables or ensure the ACPI tables file path is provided in metadata and exists: %s", m.acpiTablesPath)
		}
	}
	return nil
}

// Report is the outcome of one measurement run: the registers the
// requested mode produced (nil for any not computed) plus the ordered
// event trace across whichever stages ran.
type Report struct {
	Mrtd   *[hasher.Size]byte
	Rtmr0  *[hasher.Size]byte
	Rtmr1  *[hasher.Size]byte
	Rtmr2  *[hasher.Size]byte
	Events []measure.Event
}

// Measure computes every register the configuration supports: MRTD and
// RTMR[0] from the platform description, RTMR[1] and RTMR[2] from the
// selected boot chain.
func (m *Machine) Measure() (*Report, error) {
	platform, err := m.MeasurePlatform()
	if err != nil {
		return nil, err
	}
	runtime, err := m.MeasureRuntime()
	if err != nil {
		return nil, err
	}
	return &Report{
		Mrtd:   platform.Mrtd,
		Rtmr0:  platform.Rtmr0,
		Rtmr1:  runtime.Rtmr1,
		Rtmr2:  runtime.Rtmr2,
		Events: append(platform.Events, runtime.Events...),
	}, nil
}

// MeasurePlatform computes MRTD and RTMR[0] only, spec.md §4.11's
// --platform-only mode.
func (m *Machine) MeasurePlatform() (*Report, error) {
	log.Debug("measuring platform (MRTD, RTMR0)")

	mrtdVal, err := m.measureMrtd()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to measure MRTD: %w", err)
	}
	rtmr0, events, err := m.measureRtmr0()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to measure RTMR0: %w", err)
	}
	return &Report{Mrtd: &mrtdVal, Rtmr0: &rtmr0, Events: events}, nil
}

// MeasureRuntime computes RTMR[1] and RTMR[2] only, spec.md §4.11's
// --runtime-only mode; these are memory-independent (scenario 5, §8).
func (m *Machine) MeasureRuntime() (*Report, error) {
	log.Debug("measuring runtime (RTMR1, RTMR2)")

	rtmr1, events1, err := m.measureRtmr1()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to measure RTMR1: %w", err)
	}
	rtmr2, events2, err := m.measureRtmr2()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to measure RTMR2: %w", err)
	}
	return &Report{Rtmr1: &rtmr1, Rtmr2: &rtmr2, Events: append(events1, events2...)}, nil
}

func (m *Machine) loadFirmware() ([]byte, *tdvf.Metadata, error) {
	if m.ovmf != nil {
		return m.ovmf, m.tdvfMeta, nil
	}
	ovmf, err := readRequired(m.firmwarePath, "boot_config.bios")
	if err != nil {
		return nil, nil, err
	}
	md, err := tdvf.Parse(ovmf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse firmware: %w", err)
	}
	m.ovmf, m.tdvfMeta = ovmf, md
	return ovmf, md, nil
}

func (m *Machine) measureMrtd() ([hasher.Size]byte, error) {
	ovmf, md, err := m.loadFirmware()
	if err != nil {
		return [hasher.Size]byte{}, err
	}
	return mrtd.Fold(ovmf, md, m.twoPass)
}

func (m *Machine) measureRtmr0() ([hasher.Size]byte, []measure.Event, error) {
	ovmf, md, err := m.loadFirmware()
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}

	hob, err := tdhob.Build(uint8(m.cpuCount), m.memoryBytes, tdhob.DefaultFirmwareRegions())
	if err != nil {
		return [hasher.Size]byte{}, nil, fmt.Errorf("failed to build TD-HOB: %w", err)
	}

	cfv, err := md.CFV(ovmf)
	if err != nil {
		log.Debugf("no CFV section in firmware metadata, skipping: %v", err)
		cfv = nil
	}

	in := rtmr.Platform0Inputs{
		TDHob: hob,
		CFV:   cfv,
	}
	if in.SecureBoot, err = readOptional(m.secureBootPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.PK, err = readOptional(m.pkPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.KEK, err = readOptional(m.kekPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.DB, err = readOptional(m.dbPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.DBX, err = readOptional(m.dbxPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.BootOrderData, err = readOptional(m.bootOrderPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.BootXxxx, err = readBootXxxx(m.pathBootXxxx); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if !m.directBoot {
		if in.SbatLevel, err = readOptional(m.sbatLevelPath); err != nil {
			return [hasher.Size]byte{}, nil, err
		}
	}
	if in.Acpi.AcpiTables, err = readOptional(m.acpiTablesPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.Acpi.Rsdp, err = readOptional(m.rsdpPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	if in.Acpi.TableLoader, err = readOptional(m.tableLoaderPath); err != nil {
		return [hasher.Size]byte{}, nil, err
	}

	return rtmr.ExtendPlatform(in)
}

func (m *Machine) measureRtmr1() ([hasher.Size]byte, []measure.Event, error) {
	if m.directBoot {
		kernel, err := readRequired(m.kernelPath, "direct.kernel")
		if err != nil {
			return [hasher.Size]byte{}, nil, err
		}
		return rtmr.ExtendRTMR1Direct(kernel)
	}

	gptData, err := m.readGptData()
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	serialized, err := gptData.Serialize()
	if err != nil {
		return [hasher.Size]byte{}, nil, fmt.Errorf("failed to serialize GPT data: %w", err)
	}
	shim, err := readRequired(m.shimPath, "indirect.shim")
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	grub, err := readRequired(m.grubPath, "indirect.grub")
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	return rtmr.ExtendRTMR1Indirect(serialized, shim, grub)
}

func (m *Machine) measureRtmr2() ([hasher.Size]byte, []measure.Event, error) {
	if m.directBoot {
		initrd, err := readOptional(m.initrdPath)
		if err != nil {
			return [hasher.Size]byte{}, nil, err
		}
		return rtmr.ExtendRTMR2Direct(m.cmdline, initrd)
	}

	mokList, err := readOptional(m.mokListPath)
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	mokListTrusted, err := readOptional(m.mokListTrustedPath)
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	mokListX, err := readOptional(m.mokListXPath)
	if err != nil {
		return [hasher.Size]byte{}, nil, err
	}
	return rtmr.ExtendRTMR2Indirect(m.cmdline, mokList, mokListTrusted, mokListX)
}

// readGptData opens the indirect chain's disk image, sniffing QCOW2 vs.
// raw so the GPT parser runs over whichever io.ReaderAt it receives.
func (m *Machine) readGptData() (*binformat.GptData, error) {
	path := m.qcow2Path
	if path == "" {
		return nil, &measure.MissingInputError{Field: "indirect.qcow2"}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk image %s: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := f.ReadAt(magic, 0); err != nil {
		return nil, fmt.Errorf("failed to read disk image header: %w", err)
	}

	if magic[0] == 0x51 && magic[1] == 0x46 && magic[2] == 0x49 && magic[3] == 0xfb {
		img, err := binformat.OpenQcow2(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open qcow2 image: %w", err)
		}
		return binformat.ParseGpt(img)
	}
	return binformat.ParseGpt(f)
}

// readBootXxxx scans dir for Bootxxxx.bin files and returns them sorted by
// index, as rtmr.ExtendPlatform expects.
func readBootXxxx(dir string) ([]rtmr.BootVariable, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read path_boot_xxxx directory %s: %w", dir, err)
	}

	var vars []rtmr.BootVariable
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := bootXxxxName.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		vars = append(vars, rtmr.BootVariable{Index: match[1], Data: data})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Index < vars[j].Index })
	return vars, nil
}

func readRequired(path, field string) ([]byte, error) {
	if path == "" {
		return nil, &measure.MissingInputError{Field: field}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	return data, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
