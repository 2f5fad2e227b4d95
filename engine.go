package ocitool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/aweris/ocitool/internal/auth"
	"github.com/aweris/ocitool/internal/log"
	"github.com/aweris/ocitool/internal/ocispec"
	"github.com/aweris/ocitool/internal/pipeline"
	"github.com/aweris/ocitool/internal/progress"
	"github.com/aweris/ocitool/internal/registry"
	"github.com/aweris/ocitool/internal/resolve"
	"github.com/aweris/ocitool/internal/store"
)

// Image is a fully ingested image: its manifest identity plus the digests of
// all locally present content.
type Image struct {
	Reference    string
	Digest       digest.Digest // digest of the concrete manifest
	MediaType    string
	ConfigDigest digest.Digest
	Layers       []Layer
}

// Layer pairs a layer's wire digest with the diff ID of its decompressed
// content.
type Layer struct {
	Digest    digest.Digest
	DiffID    digest.Digest
	Size      int64
	MediaType string
}

// Engine composes reference resolution, registry access, and the ingestion
// pipeline over a shared content store. One Engine owns one store and one
// auth session per registry; construct it once and share it.
type Engine struct {
	store       *store.Store
	creds       CredentialProvider
	httpClient  *http.Client
	platform    ocispec.Platform
	concurrency int
	reporter    progress.Reporter
	retry       RetryPolicy
	timeout     time.Duration

	mu       sync.Mutex
	sessions map[string]*auth.Session
}

// New creates an engine backed by a local store in the cache directory.
func New(opts ...Option) (*Engine, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	platform := ocispec.HostPlatform()
	if options.Platform != "" {
		var err error
		if platform, err = ocispec.ParsePlatform(options.Platform); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(options.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", options.CacheDir, err)
	}

	reporter := options.Progress
	if reporter == nil {
		reporter = progress.Nop
	}

	return &Engine{
		store:       st,
		creds:       options.Credentials,
		httpClient:  options.HTTPClient,
		platform:    platform,
		concurrency: options.Concurrency,
		reporter:    reporter,
		retry:       options.Retry,
		timeout:     options.RequestTimeout,
		sessions:    make(map[string]*auth.Session),
	}, nil
}

// ResolveAndIngest ensures the referenced image is fully present in the local
// store: manifest resolved and platform-matched, every config and layer blob
// downloaded, verified, and committed. It returns only after all descriptors
// reached a terminal state.
func (e *Engine) ResolveAndIngest(ctx context.Context, reference string) (*Image, error) {
	ref, err := name.ParseReference(reference, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid reference %q: %w", reference, err)
	}

	done := log.Operation(ctx, "resolve and ingest", slog.String("reference", ref.Name()))
	img, err := e.resolveAndIngest(ctx, ref)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref.Name(), err)
	}
	return img, nil
}

func (e *Engine) resolveAndIngest(ctx context.Context, ref name.Reference) (*Image, error) {
	var pinned digest.Digest
	if d, ok := ref.(name.Digest); ok {
		pinned = digest.Digest(d.DigestStr())
	}

	client := e.clientFor(ref.Context())
	resolver := resolve.New(client, e.platform)

	res, err := resolver.Resolve(ctx, ref.Identifier(), pinned)
	if err != nil {
		return nil, err
	}

	// Keep the resolved documents in the store so HasImage can answer
	// without network access.
	for _, doc := range []*ocispec.Document{res.Index, res.Manifest} {
		if doc == nil {
			continue
		}
		if err := e.putDocument(ctx, doc); err != nil {
			return nil, err
		}
	}

	descs := make([]ociv1.Descriptor, 0, len(res.Layers)+1)
	descs = append(descs, res.Config)
	descs = append(descs, res.Layers...)

	pl := pipeline.New(e.store, client, e.concurrency, e.reporter)
	if _, err := pl.IngestAll(ctx, descs); err != nil {
		return nil, err
	}

	if err := e.store.PutImage(ref.Name(), res.Manifest.Digest); err != nil {
		return nil, err
	}

	img := &Image{
		Reference:    ref.Name(),
		Digest:       res.Manifest.Digest,
		MediaType:    res.Manifest.MediaType,
		ConfigDigest: res.Config.Digest,
	}
	for _, l := range res.Layers {
		diffID, ok := e.store.Uncompressed(l.Digest)
		if !ok {
			diffID = l.Digest
		}
		img.Layers = append(img.Layers, Layer{
			Digest:    l.Digest,
			DiffID:    diffID,
			Size:      l.Size,
			MediaType: l.MediaType,
		})
	}
	return img, nil
}

// EnsureAll ingests several references concurrently and returns the images in
// input order.
func (e *Engine) EnsureAll(ctx context.Context, references []string) ([]*Image, error) {
	images := make([]*Image, len(references))

	g, ctx := errgroup.WithContext(ctx)
	for i, reference := range references {
		g.Go(func() error {
			img, err := e.ResolveAndIngest(ctx, reference)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// HasImage reports whether the referenced image is fully present locally.
// It never touches the network.
func (e *Engine) HasImage(reference string) (bool, error) {
	ref, err := name.ParseReference(reference, name.WithDefaultTag("latest"))
	if err != nil {
		return false, fmt.Errorf("invalid reference %q: %w", reference, err)
	}

	var manifestDigest digest.Digest
	if d, ok := ref.(name.Digest); ok {
		manifestDigest = digest.Digest(d.DigestStr())
	} else {
		dgst, ok := e.store.GetImage(ref.Name())
		if !ok {
			return false, nil
		}
		manifestDigest = dgst
	}
	return e.documentPresent(manifestDigest), nil
}

// documentPresent walks a stored manifest document and checks that all
// content it references is Present.
func (e *Engine) documentPresent(dgst digest.Digest) bool {
	data, err := e.store.Bytes(dgst)
	if err != nil {
		return false
	}
	doc, err := ocispec.ParseDocument(data, "")
	if err != nil {
		return false
	}

	if doc.IsIndex() {
		selected, ok := e.platform.SelectManifest(doc.Index)
		if !ok {
			return false
		}
		return e.documentPresent(selected.Digest)
	}

	if !e.store.Has(doc.Manifest.Config.Digest) {
		return false
	}
	for _, l := range doc.Manifest.Layers {
		if !e.store.Has(l.Digest) {
			return false
		}
	}
	return true
}

// Has reports whether a single digest is Present in the store.
func (e *Engine) Has(dgst digest.Digest) bool {
	return e.store.Has(dgst)
}

// Open returns a reader over verified content, for handing ingested blobs to
// a runtime.
func (e *Engine) Open(dgst digest.Digest) (io.ReadCloser, int64, error) {
	return e.store.Open(dgst)
}

// Release decrements a digest's reference count; unreferenced content is
// reclaimed by the next GC pass.
func (e *Engine) Release(dgst digest.Digest) {
	e.store.Release(dgst)
}

// GC removes unreferenced content from the store.
func (e *Engine) GC(ctx context.Context) ([]digest.Digest, error) {
	return e.store.GC(ctx)
}

// Images returns the locally recorded reference-to-manifest mapping.
func (e *Engine) Images() map[string]digest.Digest {
	return e.store.Images()
}

// putDocument commits raw manifest bytes into the store under their digest.
func (e *Engine) putDocument(ctx context.Context, doc *ocispec.Document) error {
	res, err := e.store.Reserve(ctx, doc.Digest, int64(len(doc.Raw)))
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if _, err := res.Write(doc.Raw); err != nil {
		res.Abort()
		return err
	}
	if _, err := res.Commit(ctx); err != nil {
		return err
	}
	return nil
}

// clientFor builds a registry client sharing the per-host auth session.
func (e *Engine) clientFor(repo name.Repository) *registry.Client {
	host := repo.RegistryStr()

	e.mu.Lock()
	session, ok := e.sessions[host]
	if !ok {
		session = auth.NewSession(host, e.creds, e.httpClient)
		e.sessions[host] = session
	}
	e.mu.Unlock()

	client := registry.NewClient(repo, session, e.httpClient, e.retry)
	if e.timeout > 0 {
		client.SetRequestTimeout(e.timeout)
	}
	return client
}
