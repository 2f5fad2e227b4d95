package ocispec

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrMalformedManifest marks a schema violation in a manifest or index
// document. Never retried.
var ErrMalformedManifest = errors.New("ocispec: malformed manifest")

// DigestError reports content whose computed digest does not match the digest
// it was addressed by. It is an integrity violation, never downgraded.
type DigestError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// SizeError reports content whose byte length does not match its descriptor.
type SizeError struct {
	Digest   digest.Digest
	Expected int64
	Actual   int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Digest, e.Expected, e.Actual)
}
