package authenticode

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnwrapGzipPassesThroughPlainData(t *testing.T) {
	plain := []byte("MZ-not-really-a-pe-but-not-gzip-either")
	out, err := unwrapGzip(plain)
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestUnwrapGzipDecompresses(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("kernel image bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := unwrapGzip(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte("kernel image bytes"), out)
}

func TestUnwrapGzipRejectsTruncatedStream(t *testing.T) {
	_, err := unwrapGzip([]byte{0x1f, 0x8b, 0x00})
	require.Error(t, err)
}
