package tdhob

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// parseResourceDescriptors walks the handoff table and every resource
// descriptor, and asserts the list ends with exactly one End-of-HOB-List
// terminator and nothing after it.
func parseResourceDescriptors(t *testing.T, hob []byte) []resourceDescriptor {
	t.Helper()
	var out []resourceDescriptor
	r := bytes.NewReader(hob)

	var handoff handoffInfoTable
	require.NoError(t, binary.Read(r, binary.LittleEndian, &handoff))
	require.Equal(t, uint16(hobTypeHandoff), handoff.Header.HobType)

	for {
		headerBytes := make([]byte, binary.Size(hobHeader{}))
		_, err := io.ReadFull(r, headerBytes)
		require.NoError(t, err)

		var header hobHeader
		require.NoError(t, binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &header))

		switch header.HobType {
		case hobTypeResourceDescriptor:
			var rd resourceDescriptor
			body := io.MultiReader(bytes.NewReader(headerBytes), r)
			require.NoError(t, binary.Read(body, binary.LittleEndian, &rd))
			out = append(out, rd)
		case hobTypeEndOfHobList:
			require.Equal(t, uint16(binary.Size(endOfHobList{})), header.HobLength)
			require.Equal(t, 0, r.Len(), "end-of-hob-list terminator must be the last HOB")
			return out
		default:
			t.Fatalf("unexpected HOB type 0x%x", header.HobType)
		}
	}
}

func TestBuildRejectsEmptyFirmwareLayout(t *testing.T) {
	_, err := Build(1, 0x80000000, nil)
	require.Error(t, err)
}

func TestBuildOmitsHighMemoryBelowThreshold(t *testing.T) {
	// 2 GiB is below the 2.75 GiB threshold: no high-memory resource.
	hob, err := Build(1, 0x8000_0000, DefaultFirmwareRegions())
	require.NoError(t, err)

	resources := parseResourceDescriptors(t, hob)
	for _, rd := range resources {
		require.Less(t, rd.PhysicalStart, uint64(fourGiB), "no resource should start at or above 4 GiB")
	}
}

func TestBuildIncludesZeroLengthHighMemoryAtFourGiB(t *testing.T) {
	// Exactly 4 GiB: high-memory resource [4 GiB, 4 GiB) must still appear.
	hob, err := Build(1, fourGiB, DefaultFirmwareRegions())
	require.NoError(t, err)

	resources := parseResourceDescriptors(t, hob)
	found := false
	for _, rd := range resources {
		if rd.PhysicalStart == fourGiB {
			found = true
			require.Equal(t, uint64(0), rd.ResourceLength)
		}
	}
	require.True(t, found, "expected a zero-length high-memory resource descriptor at 4 GiB")
}

func TestBuildHighMemoryAboveFourGiB(t *testing.T) {
	memory := uint64(fourGiB) + 0x4000_0000 // 4 GiB + 1 GiB
	hob, err := Build(1, memory, DefaultFirmwareRegions())
	require.NoError(t, err)

	resources := parseResourceDescriptors(t, hob)
	found := false
	for _, rd := range resources {
		if rd.PhysicalStart == fourGiB {
			found = true
			require.Equal(t, memory-fourGiB, rd.ResourceLength)
		}
	}
	require.True(t, found)
}

func TestBuildEncodesCpuCountInHandoffHeader(t *testing.T) {
	for _, cpuCount := range []uint8{1, 4, 128} {
		hob, err := Build(cpuCount, 0x8000_0000, DefaultFirmwareRegions())
		require.NoError(t, err)

		var handoff handoffInfoTable
		require.NoError(t, binary.Read(bytes.NewReader(hob), binary.LittleEndian, &handoff))
		require.Equal(t, uint32(cpuCount), handoff.CpuCount)
	}
}

func TestBuildTerminatesWithEndOfHobList(t *testing.T) {
	hob, err := Build(2, 0x8000_0000, DefaultFirmwareRegions())
	require.NoError(t, err)

	// parseResourceDescriptors already fails the test if the terminator is
	// missing, malformed, or followed by trailing bytes.
	parseResourceDescriptors(t, hob)

	var terminator endOfHobList
	offset := len(hob) - binary.Size(endOfHobList{})
	require.NoError(t, binary.Read(bytes.NewReader(hob[offset:]), binary.LittleEndian, &terminator))
	require.Equal(t, uint16(hobTypeEndOfHobList), terminator.Header.HobType)
	require.Equal(t, uint16(8), terminator.Header.HobLength)
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(4, 0x1_4000_0000, DefaultFirmwareRegions())
	require.NoError(t, err)
	b, err := Build(4, 0x1_4000_0000, DefaultFirmwareRegions())
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestBuildResourceAttributesAndOrdering(t *testing.T) {
	hob, err := Build(1, 0x8000_0000, DefaultFirmwareRegions())
	require.NoError(t, err)

	resources := parseResourceDescriptors(t, hob)
	require.NotEmpty(t, resources)

	const wantAttr = resourceAttributePresent | resourceAttributeInitialized | resourceAttributeTested
	prev := uint64(0)
	for _, rd := range resources {
		require.Equal(t, uint32(wantAttr), rd.ResourceAttribute)
		require.GreaterOrEqual(t, rd.PhysicalStart, prev)
		prev = rd.PhysicalStart
	}
}
