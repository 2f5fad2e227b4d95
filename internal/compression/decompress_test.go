package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/ocitool/internal/ocispec"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNewReader(t *testing.T) {
	plain := []byte("layer tar content, repeated enough to compress: aaaaaaaaaaaaaaaa")

	tests := []struct {
		name string
		kind ocispec.Compression
		wire []byte
	}{
		{name: "uncompressed", kind: ocispec.Uncompressed, wire: plain},
		{name: "gzip", kind: ocispec.Gzip, wire: gzipBytes(t, plain)},
		{name: "zstd", kind: ocispec.Zstd, wire: zstdBytes(t, plain)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := NewReader(tt.kind, bytes.NewReader(tt.wire))
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, plain, got)
		})
	}
}

func TestNewReaderBadGzip(t *testing.T) {
	_, err := NewReader(ocispec.Gzip, bytes.NewReader([]byte("not gzip at all")))
	assert.Error(t, err)
}

func TestNewReaderTruncatedGzip(t *testing.T) {
	wire := gzipBytes(t, []byte("content that will be cut off mid-stream"))
	rc, err := NewReader(ocispec.Gzip, bytes.NewReader(wire[:len(wire)-8]))
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.Error(t, err)
}
