package ocitool

import (
	"github.com/aweris/ocitool/internal/auth"
	"github.com/aweris/ocitool/internal/ocispec"
	"github.com/aweris/ocitool/internal/registry"
	"github.com/aweris/ocitool/internal/resolve"
	"github.com/aweris/ocitool/internal/store"
)

// Error taxonomy. Fatal errors are never silently downgraded; integrity
// failures always carry the expected and actual digests.
var (
	// ErrReferenceNotFound: the manifest or tag is absent. Not retried.
	ErrReferenceNotFound = registry.ErrReferenceNotFound

	// ErrFetchFailed: transient transport failures exhausted the retry budget.
	ErrFetchFailed = registry.ErrFetchFailed

	// ErrAuthenticationFailed: no usable token after one refresh attempt.
	ErrAuthenticationFailed = auth.ErrAuthenticationFailed

	// ErrMalformedManifest: schema violation in a manifest or index.
	ErrMalformedManifest = ocispec.ErrMalformedManifest

	// ErrNoMatchingPlatform: the index has no entry for the target platform.
	ErrNoMatchingPlatform = resolve.ErrNoMatchingPlatform

	// ErrStorage: disk-level failure. Fatal immediately, no retry.
	ErrStorage = store.ErrStorage
)

// DigestMismatchError reports content whose computed digest differs from the
// digest it was addressed by.
type DigestMismatchError = ocispec.DigestError

// SizeMismatchError reports content whose length differs from its descriptor.
type SizeMismatchError = ocispec.SizeError
