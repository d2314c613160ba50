package measure

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMemorySizePowerOfTwoSuffixes(t *testing.T) {
	cases := map[string]uint64{
		"2G": 2 * (1 << 30),
		"1G": 1 << 30,
		"512M": 512 * (1 << 20),
		"4K": 4 * (1 << 10),
	}
	for in, want := range cases {
		got, err := ParseMemorySize(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseMemorySizeRejectsBadSuffix(t *testing.T) {
	_, err := ParseMemorySize("2T")
	require.Error(t, err)
}

func TestParseMemorySizeRejectsEmpty(t *testing.T) {
	_, err := ParseMemorySize("")
	require.Error(t, err)
}

func TestValidateRejectsBothDirectAndIndirect(t *testing.T) {
	cfg := ImageConfig{Direct: &DirectBoot{}, Indirect: &IndirectBoot{}}
	require.Error(t, cfg.Validate(true))
}

func TestValidateRejectsNeither(t *testing.T) {
	cfg := ImageConfig{}
	require.Error(t, cfg.Validate(true))
}

func TestValidateSkippedWhenBootImageNotRequired(t *testing.T) {
	cfg := ImageConfig{}
	require.NoError(t, cfg.Validate(false))
}

func TestParseImageConfigRejectsMalformedJSON(t *testing.T) {
	_, err := ParseImageConfig([]byte("{not json"))
	require.Error(t, err)
}
