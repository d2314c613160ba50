package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestNewMachineRequiresBootConfigUnlessRuntimeOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := &measure.ImageConfig{Direct: &measure.DirectBoot{Kernel: "k", Initrd: "i", Cmdline: "c"}}

	_, err := NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{})
	require.Error(t, err)

	_, err = NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{RuntimeOnly: true})
	require.NoError(t, err)
}

func TestNewMachineRejectsDirectBootWithoutDirectConfig(t *testing.T) {
	dir := t.TempDir()
	acpiPath := writeFile(t, dir, "acpi.bin", []byte("tables"))
	cfg := &measure.ImageConfig{
		BootConfig: &measure.BootConfig{Cpus: 1, Memory: "2G", Bios: "bios.fd", AcpiTables: filepath.Base(acpiPath)},
		Indirect:   &measure.IndirectBoot{Qcow2: "disk.qcow2", Cmdline: "c"},
	}
	directBoot := true
	_, err := NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{DirectBootOverride: &directBoot})
	require.Error(t, err)
}

func TestNewMachineSkipsBootModeCrossCheckInPlatformOnly(t *testing.T) {
	dir := t.TempDir()
	acpiPath := writeFile(t, dir, "acpi.bin", []byte("tables"))
	cfg := &measure.ImageConfig{
		BootConfig: &measure.BootConfig{Cpus: 1, Memory: "2G", Bios: "bios.fd", AcpiTables: filepath.Base(acpiPath)},
	}
	_, err := NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{PlatformOnly: true})
	require.NoError(t, err)
}

func TestNewMachineRequiresAcpiTablesUnlessRuntimeOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := &measure.ImageConfig{
		BootConfig: &measure.BootConfig{Cpus: 1, Memory: "2G", Bios: "bios.fd", AcpiTables: "missing.bin"},
		Direct:     &measure.DirectBoot{Kernel: "k", Initrd: "i", Cmdline: "c"},
	}
	_, err := NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{})
	require.Error(t, err)

	_, err = NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{RuntimeOnly: true})
	require.NoError(t, err)
}

func TestCreateAcpiTablesRejectedForIndirectBoot(t *testing.T) {
	dir := t.TempDir()
	acpiPath := writeFile(t, dir, "acpi.bin", []byte("tables"))
	cfg := &measure.ImageConfig{
		BootConfig: &measure.BootConfig{Cpus: 1, Memory: "2G", Bios: "bios.fd", AcpiTables: filepath.Base(acpiPath)},
		Indirect:   &measure.IndirectBoot{Qcow2: "disk.qcow2", Cmdline: "c"},
	}
	_, err := NewMachine(filepath.Join(dir, "metadata.json"), cfg, Options{CreateAcpiTables: true})
	require.Error(t, err)
}

func TestReadBootXxxxSortsByIndexAndIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Boot0002.bin", []byte("b"))
	writeFile(t, dir, "Boot0001.bin", []byte("a"))
	writeFile(t, dir, "readme.txt", []byte("ignored"))

	vars, err := readBootXxxx(dir)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	require.Equal(t, "0001", vars[0].Index)
	require.Equal(t, "0002", vars[1].Index)
}

func TestReadBootXxxxEmptyDirMeansNone(t *testing.T) {
	vars, err := readBootXxxx("")
	require.NoError(t, err)
	require.Nil(t, vars)
}

func TestReadOptionalMissingPathReturnsNil(t *testing.T) {
	data, err := readOptional("")
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestReadRequiredMissingPathErrors(t *testing.T) {
	_, err := readRequired("", "some.field")
	require.Error(t, err)
}

func TestMeasureRuntimeDirectBootFailsOnNonPEKernel(t *testing.T) {
	dir := t.TempDir()
	initrdPath := writeFile(t, dir, "initrd", []byte("initrd-bytes"))
	kernelPath := writeFile(t, dir, "kernel", []byte("not-a-real-pe"))

	m := &Machine{
		directBoot: true,
		cmdline:    "console=ttyS0",
		kernelPath: kernelPath,
		initrdPath: initrdPath,
	}
	// Kernel isn't a real PE image, so RTMR1 fails to parse; MeasureRuntime
	// surfaces that as an error rather than silently skipping the stage.
	_, err := m.MeasureRuntime()
	require.Error(t, err)
}
