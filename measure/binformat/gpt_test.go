package binformat

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeProtectiveMBR stamps a valid UEFI protective MBR into LBA 0 of disk.
func writeProtectiveMBR(disk []byte) {
	disk[mbrPartitionRecordStart+4] = mbrProtectivePartType
	binary.LittleEndian.PutUint16(disk[mbrBootSignatureOffset:], mbrBootSignature)
}

// buildDisk writes a valid protective MBR at LBA 0, a primary GPT header
// with correct header and partition-array CRCs at LBA 1, and entries at
// LBA 2, into a byte slice large enough to back ParseGpt's reads.
func buildDisk(t *testing.T, entries []PartitionEntry) []byte {
	t.Helper()

	const entrySize = 128
	disk := make([]byte, 4*logicalBlockSize+entrySize*len(entries))
	writeProtectiveMBR(disk)

	entryArrayOffset := 2 * logicalBlockSize
	for i, e := range entries {
		var eb bytes.Buffer
		require.NoError(t, binary.Write(&eb, binary.LittleEndian, &e))
		copy(disk[entryArrayOffset+i*entrySize:], eb.Bytes())
	}
	partitionArrayCRC := crc32.ChecksumIEEE(disk[entryArrayOffset : entryArrayOffset+entrySize*len(entries)])

	header := GptHeader{
		Header: EfiTableHeader{
			Signature:  ptabHeaderSignature,
			Revision:   headerRevisionV1,
			HeaderSize: minHeaderSize,
		},
		MyLBA:                    1,
		FirstUsableLBA:           34,
		LastUsableLBA:            100,
		PartitionEntryLBA:        2,
		NumberOfPartitionEntries: uint32(len(entries)),
		SizeOfPartitionEntry:     entrySize,
		PartitionEntryArrayCRC32: partitionArrayCRC,
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))
	headerBytes := buf.Bytes()[:minHeaderSize]
	header.Header.CRC32 = crc32.ChecksumIEEE(headerBytes)

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))
	copy(disk[logicalBlockSize:], buf.Bytes())

	return disk
}

func TestParseGptSkipsEmptyEntries(t *testing.T) {
	nonEmpty := PartitionEntry{PartitionTypeGUID: EfiGUID{Data1: 1}, StartingLBA: 34, EndingLBA: 50}
	disk := buildDisk(t, []PartitionEntry{{}, nonEmpty, {}})

	data, err := ParseGpt(bytes.NewReader(disk))
	require.NoError(t, err)
	require.Len(t, data.Partitions, 1)
	require.Equal(t, nonEmpty.StartingLBA, data.Partitions[0].StartingLBA)
}

func TestParseGptRejectsBadSignature(t *testing.T) {
	disk := buildDisk(t, nil)
	disk[logicalBlockSize] = 0x00 // corrupt the signature's first byte

	_, err := ParseGpt(bytes.NewReader(disk))
	require.Error(t, err)
}

func TestSerializeIsDeterministic(t *testing.T) {
	nonEmpty := PartitionEntry{PartitionTypeGUID: EfiGUID{Data1: 7}, StartingLBA: 34, EndingLBA: 50}
	disk := buildDisk(t, []PartitionEntry{nonEmpty})

	data, err := ParseGpt(bytes.NewReader(disk))
	require.NoError(t, err)

	a, err := data.Serialize()
	require.NoError(t, err)
	b, err := data.Serialize()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParseGptRejectsMissingProtectiveMBR(t *testing.T) {
	disk := buildDisk(t, nil)
	disk[mbrPartitionRecordStart+4] = 0x00 // not 0xEE

	_, err := ParseGpt(bytes.NewReader(disk))
	require.Error(t, err)
}

func TestParseGptRejectsBadHeaderCRC32(t *testing.T) {
	nonEmpty := PartitionEntry{PartitionTypeGUID: EfiGUID{Data1: 1}, StartingLBA: 34, EndingLBA: 50}
	disk := buildDisk(t, []PartitionEntry{nonEmpty})
	disk[logicalBlockSize+headerCRC32Offset] ^= 0xFF

	_, err := ParseGpt(bytes.NewReader(disk))
	require.Error(t, err)
}

func TestParseGptRejectsBadPartitionArrayCRC32(t *testing.T) {
	nonEmpty := PartitionEntry{PartitionTypeGUID: EfiGUID{Data1: 1}, StartingLBA: 34, EndingLBA: 50}
	disk := buildDisk(t, []PartitionEntry{nonEmpty})
	disk[2*logicalBlockSize] ^= 0xFF // corrupt the partition entry array without updating its CRC

	_, err := ParseGpt(bytes.NewReader(disk))
	require.Error(t, err)
}

func TestParseGptRejectsZeroPartitionEntries(t *testing.T) {
	header := GptHeader{
		Header: EfiTableHeader{
			Signature:  ptabHeaderSignature,
			Revision:   headerRevisionV1,
			HeaderSize: minHeaderSize,
		},
		MyLBA:             1,
		FirstUsableLBA:    34,
		PartitionEntryLBA: 2,
	}
	disk := make([]byte, 4*logicalBlockSize)
	writeProtectiveMBR(disk)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))
	copy(disk[logicalBlockSize:], buf.Bytes())

	_, err := ParseGpt(bytes.NewReader(disk))
	require.Error(t, err)
}
