// Package resolve turns an image reference into a concrete, platform-matched
// manifest with its config and layer descriptors.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/aweris/ocitool/internal/log"
	"github.com/aweris/ocitool/internal/ocispec"
)

// ErrNoMatchingPlatform marks an index with no entry for the target platform.
var ErrNoMatchingPlatform = errors.New("resolve: no matching platform")

// ManifestFetcher is the slice of the registry client the resolver needs.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, reference string) ([]byte, digest.Digest, string, error)
}

// Resolution is a fully resolved image: the concrete manifest document, plus
// the index document when the reference pointed at one.
type Resolution struct {
	Manifest *ocispec.Document
	Index    *ocispec.Document

	Config ociv1.Descriptor
	Layers []ociv1.Descriptor
}

// Resolver fetches and pins manifests for one repository.
type Resolver struct {
	fetcher  ManifestFetcher
	platform ocispec.Platform
}

func New(fetcher ManifestFetcher, platform ocispec.Platform) *Resolver {
	return &Resolver{fetcher: fetcher, platform: platform}
}

// Resolve fetches the manifest at the reference, walks through an index to the
// platform-matching manifest, and returns the config and ordered layer
// descriptors. When pinned is non-empty every fetched document's recomputed
// digest must match the digest it was requested by; a mismatch gets one fresh
// fetch, then is fatal.
func (r *Resolver) Resolve(ctx context.Context, reference string, pinned digest.Digest) (*Resolution, error) {
	done := log.Operation(ctx, "resolve reference",
		slog.String("reference", reference), slog.String("platform", r.platform.String()))

	res, err := r.resolve(ctx, reference, pinned)
	done(err)
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, reference string, pinned digest.Digest) (*Resolution, error) {
	doc, err := r.fetchVerified(ctx, reference, pinned)
	if err != nil {
		return nil, err
	}

	res := &Resolution{}

	if doc.IsIndex() {
		res.Index = doc

		selected, ok := r.platform.SelectManifest(doc.Index)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no manifest for %s", ErrNoMatchingPlatform, reference, r.platform)
		}
		log.From(ctx).Debug("selected platform manifest",
			slog.String("platform", r.platform.String()),
			slog.String("digest", selected.Digest.String()))

		// Digest-addressed fetch: pinned by the index entry itself.
		doc, err = r.fetchVerified(ctx, selected.Digest.String(), selected.Digest)
		if err != nil {
			return nil, err
		}
		if doc.IsIndex() {
			return nil, fmt.Errorf("%w: nested index at %s", ocispec.ErrMalformedManifest, selected.Digest)
		}
	}

	res.Manifest = doc
	res.Config = doc.Manifest.Config
	res.Layers = doc.Manifest.Layers
	return res, nil
}

// fetchVerified fetches and parses one document. When pinned, a digest
// mismatch is assumed to be transit corruption exactly once: one fresh fetch,
// then fatal. The mismatching bytes themselves are never re-verified.
func (r *Resolver) fetchVerified(ctx context.Context, reference string, pinned digest.Digest) (*ocispec.Document, error) {
	doc, err := r.fetchOnce(ctx, reference, pinned)

	var mismatch *ocispec.DigestError
	if errors.As(err, &mismatch) {
		log.From(ctx).Warn("manifest digest mismatch, refetching once",
			slog.String("reference", reference), slog.String("error", err.Error()))
		doc, err = r.fetchOnce(ctx, reference, pinned)
	}
	return doc, err
}

func (r *Resolver) fetchOnce(ctx context.Context, reference string, pinned digest.Digest) (*ocispec.Document, error) {
	data, dgst, mediaType, err := r.fetcher.FetchManifest(ctx, reference)
	if err != nil {
		return nil, err
	}
	if pinned != "" && dgst != pinned {
		return nil, &ocispec.DigestError{Expected: pinned, Actual: dgst}
	}
	doc, err := ocispec.ParseDocument(data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", reference, err)
	}
	return doc, nil
}
