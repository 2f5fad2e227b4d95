package ocitool_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocitool "github.com/aweris/ocitool"
)

// testImage is a complete single-image fixture: config, one gzip layer, a
// manifest, and a two-platform index pointing at it.
type testImage struct {
	layerPlain  []byte
	layerWire   []byte
	layerDigest digest.Digest

	config       []byte
	configDigest digest.Digest

	manifest       []byte
	manifestDigest digest.Digest

	index       []byte
	indexDigest digest.Digest
}

func buildTestImage(t *testing.T) *testImage {
	t.Helper()
	img := &testImage{
		layerPlain: []byte("pretend this is a tar stream"),
		config:     []byte(`{"architecture":"amd64","os":"linux"}`),
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(img.layerPlain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	img.layerWire = buf.Bytes()
	img.layerDigest = digest.FromBytes(img.layerWire)
	img.configDigest = digest.FromBytes(img.config)

	manifest := ociv1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ociv1.MediaTypeImageManifest,
		Config: ociv1.Descriptor{
			MediaType: ociv1.MediaTypeImageConfig,
			Digest:    img.configDigest,
			Size:      int64(len(img.config)),
		},
		Layers: []ociv1.Descriptor{{
			MediaType: ociv1.MediaTypeImageLayerGzip,
			Digest:    img.layerDigest,
			Size:      int64(len(img.layerWire)),
		}},
	}
	img.manifest, err = json.Marshal(manifest)
	require.NoError(t, err)
	img.manifestDigest = digest.FromBytes(img.manifest)

	index := ociv1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ociv1.MediaTypeImageIndex,
		Manifests: []ociv1.Descriptor{
			{
				MediaType: ociv1.MediaTypeImageManifest,
				Digest:    img.manifestDigest,
				Size:      int64(len(img.manifest)),
				Platform:  &ociv1.Platform{OS: "linux", Architecture: "amd64"},
			},
			{
				MediaType: ociv1.MediaTypeImageManifest,
				Digest:    digest.FromString("arm64 manifest that is never fetched"),
				Size:      1,
				Platform:  &ociv1.Platform{OS: "linux", Architecture: "arm64"},
			},
		},
	}
	img.index, err = json.Marshal(index)
	require.NoError(t, err)
	img.indexDigest = digest.FromBytes(img.index)
	return img
}

// testRegistry serves the fixture under /v2/test/app behind bearer auth.
type testRegistry struct {
	img *testImage

	manifestHits atomic.Int64
	blobHits     atomic.Int64
	tokenHits    atomic.Int64
}

func (tr *testRegistry) handler(realm func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tr.tokenHits.Add(1)
			fmt.Fprint(w, `{"token":"integration-token","expires_in":300}`)
			return
		}

		if r.Header.Get("Authorization") != "Bearer integration-token" {
			w.Header().Set("Www-Authenticate",
				fmt.Sprintf(`Bearer realm=%q,service="registry.test"`, realm()+"/token"))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		img := tr.img
		switch {
		case strings.HasPrefix(r.URL.Path, "/v2/test/app/manifests/"):
			tr.manifestHits.Add(1)
			ref := strings.TrimPrefix(r.URL.Path, "/v2/test/app/manifests/")
			switch ref {
			case "latest", img.indexDigest.String():
				w.Header().Set("Content-Type", ociv1.MediaTypeImageIndex)
				_, _ = w.Write(img.index)
			case img.manifestDigest.String():
				w.Header().Set("Content-Type", ociv1.MediaTypeImageManifest)
				_, _ = w.Write(img.manifest)
			default:
				http.NotFound(w, r)
			}

		case strings.HasPrefix(r.URL.Path, "/v2/test/app/blobs/"):
			tr.blobHits.Add(1)
			switch strings.TrimPrefix(r.URL.Path, "/v2/test/app/blobs/") {
			case img.configDigest.String():
				_, _ = w.Write(img.config)
			case img.layerDigest.String():
				_, _ = w.Write(img.layerWire)
			default:
				http.NotFound(w, r)
			}

		default:
			http.NotFound(w, r)
		}
	}
}

func startTestRegistry(t *testing.T) (*testRegistry, string) {
	t.Helper()
	tr := &testRegistry{img: buildTestImage(t)}

	var srv *httptest.Server
	srv = httptest.NewServer(tr.handler(func() string { return srv.URL }))
	t.Cleanup(srv.Close)

	return tr, strings.TrimPrefix(srv.URL, "http://")
}

func newTestEngine(t *testing.T, opts ...ocitool.Option) *ocitool.Engine {
	t.Helper()
	opts = append([]ocitool.Option{
		ocitool.WithCacheDir(t.TempDir()),
		ocitool.WithPlatform("linux/amd64"),
		ocitool.WithCredentials(ocitool.StaticCredentials{}),
		ocitool.WithRetryPolicy(ocitool.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Multiplier:  1,
		}),
	}, opts...)

	e, err := ocitool.New(opts...)
	require.NoError(t, err)
	return e
}

func TestResolveAndIngest(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	reference := host + "/test/app:latest"
	img, err := e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)

	assert.Equal(t, reference, img.Reference)
	assert.Equal(t, tr.img.manifestDigest, img.Digest)
	assert.Equal(t, tr.img.configDigest, img.ConfigDigest)
	require.Len(t, img.Layers, 1)
	assert.Equal(t, tr.img.layerDigest, img.Layers[0].Digest)
	assert.Equal(t, digest.FromBytes(tr.img.layerPlain), img.Layers[0].DiffID)

	// Config, wire layer, and decompressed layer are all readable.
	for _, dgst := range []digest.Digest{tr.img.configDigest, tr.img.layerDigest, img.Layers[0].DiffID} {
		require.True(t, e.Has(dgst), "missing %s", dgst)
	}

	rc, _, err := e.Open(img.Layers[0].DiffID)
	require.NoError(t, err)
	defer rc.Close()
	plain, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, tr.img.layerPlain, plain)

	// The arm64 sibling was never touched: index, manifest, two blobs.
	assert.Equal(t, int64(2), tr.blobHits.Load())
}

func TestResolveAndIngestIdempotent(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	reference := host + "/test/app:latest"
	_, err := e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)
	require.Equal(t, int64(2), tr.blobHits.Load())

	// A second pull re-resolves the tag but fetches no blobs.
	img, err := e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, tr.img.manifestDigest, img.Digest)
	assert.Equal(t, int64(2), tr.blobHits.Load())
}

func TestResolveAndIngestByDigest(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	reference := host + "/test/app@" + tr.img.indexDigest.String()
	img, err := e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, tr.img.manifestDigest, img.Digest)
}

func TestResolveAndIngestPinnedMismatch(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	// Pin a digest the registry will never produce. The server serves the
	// index for any digest path it knows; use a syntactically valid but
	// wrong pin by registering it as an alias for the index.
	wrong := digest.FromString("pinned to something else")
	tr.img.indexDigest = wrong // server now serves index bytes at the wrong digest path

	reference := host + "/test/app@" + wrong.String()
	_, err := e.ResolveAndIngest(context.Background(), reference)

	var mismatch *ocitool.DigestMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, wrong, mismatch.Expected)
}

func TestResolveAndIngestNotFound(t *testing.T) {
	_, host := startTestRegistry(t)
	e := newTestEngine(t)

	_, err := e.ResolveAndIngest(context.Background(), host+"/test/app:missing")
	assert.ErrorIs(t, err, ocitool.ErrReferenceNotFound)
}

func TestOpenAbsentDigest(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.Open(digest.FromString("never ingested"))
	require.Error(t, err)
}

func TestHasImage(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	reference := host + "/test/app:latest"

	ok, err := e.HasImage(reference)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)

	ok, err = e.HasImage(reference)
	require.NoError(t, err)
	assert.True(t, ok)

	// Digest-pinned lookup walks the stored index down to the blobs.
	ok, err = e.HasImage(host + "/test/app@" + tr.img.indexDigest.String())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasImage(host + "/test/app:othertag")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasImageDetectsMissingBlob(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	reference := host + "/test/app:latest"
	_, err := e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)

	// Drop the layer and collect it; the image is no longer complete.
	e.Release(tr.img.layerDigest)
	removed, err := e.GC(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, removed)

	ok, err := e.HasImage(reference)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureAll(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	refs := []string{
		host + "/test/app:latest",
		host + "/test/app@" + tr.img.indexDigest.String(),
	}
	images, err := e.EnsureAll(context.Background(), refs)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, tr.img.manifestDigest, images[0].Digest)
	assert.Equal(t, tr.img.manifestDigest, images[1].Digest)

	// Both references resolve to the same content; blobs moved once.
	assert.Equal(t, int64(2), tr.blobHits.Load())
}

func TestImagesListing(t *testing.T) {
	tr, host := startTestRegistry(t)
	e := newTestEngine(t)

	reference := host + "/test/app:latest"
	_, err := e.ResolveAndIngest(context.Background(), reference)
	require.NoError(t, err)

	images := e.Images()
	assert.Equal(t, tr.img.manifestDigest, images[reference])
}

func TestProgressEvents(t *testing.T) {
	_, host := startTestRegistry(t)

	var events atomic.Int64
	e := newTestEngine(t, ocitool.WithProgress(ocitool.ProgressFunc(func(ocitool.Event) {
		events.Add(1)
	})))

	_, err := e.ResolveAndIngest(context.Background(), host+"/test/app:latest")
	require.NoError(t, err)
	assert.Greater(t, events.Load(), int64(0))
}
