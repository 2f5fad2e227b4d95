// Package compression opens decompressing readers over layer wire streams.
package compression

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/aweris/ocitool/internal/ocispec"
)

// NewReader wraps r with a decompressor for the given wire encoding. The
// returned ReadCloser must be closed by the caller; closing it does not close r.
func NewReader(kind ocispec.Compression, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case ocispec.Uncompressed:
		return io.NopCloser(r), nil
	case ocispec.Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gz, nil
	case ocispec.Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unknown compression kind %d", kind)
}
