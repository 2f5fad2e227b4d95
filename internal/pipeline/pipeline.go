// Package pipeline drives concurrent blob ingestion: download, digest
// verification, decompression, and commit into the content store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/ocitool/internal/compression"
	"github.com/aweris/ocitool/internal/log"
	"github.com/aweris/ocitool/internal/ocispec"
	"github.com/aweris/ocitool/internal/progress"
	"github.com/aweris/ocitool/internal/store"
)

// BlobFetcher is the slice of the registry client the pipeline needs.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error)
}

// Pipeline ingests blob descriptors into a content store with bounded
// concurrency and a single-flight guarantee per digest.
type Pipeline struct {
	store       *store.Store
	fetcher     BlobFetcher
	reporter    progress.Reporter
	concurrency int
}

// New builds a pipeline. Concurrency <= 0 defaults to the available
// parallelism; a nil reporter discards progress events.
func New(s *store.Store, fetcher BlobFetcher, concurrency int, reporter progress.Reporter) *Pipeline {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	if reporter == nil {
		reporter = progress.Nop
	}
	return &Pipeline{
		store:       s,
		fetcher:     fetcher,
		reporter:    reporter,
		concurrency: concurrency,
	}
}

// IngestAll ensures every descriptor's content is Present in the store and
// returns the verified digests in descriptor order. A failing blob does not
// cancel its in-flight siblings; once all jobs reach a terminal state the
// first fatal error surfaces as the overall result.
func (p *Pipeline) IngestAll(ctx context.Context, descs []ociv1.Descriptor) ([]digest.Digest, error) {
	seen := make(map[digest.Digest]bool, len(descs))
	ordered := make([]digest.Digest, 0, len(descs))

	var (
		mu       sync.Mutex
		firstErr error
	)

	workers := pool.New().WithMaxGoroutines(p.concurrency).WithContext(ctx)

	for _, desc := range descs {
		if seen[desc.Digest] {
			continue
		}
		seen[desc.Digest] = true
		ordered = append(ordered, desc.Digest)

		workers.Go(func(ctx context.Context) error {
			if err := p.ingest(ctx, desc); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return err
			}
			return nil
		})
	}

	if err := workers.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, err
	}
	return ordered, nil
}

// ingest brings one descriptor to a terminal state. Integrity and stream
// failures get one fresh re-fetch; everything else is fatal on first sight.
func (p *Pipeline) ingest(ctx context.Context, desc ociv1.Descriptor) error {
	kind, err := ocispec.LayerCompression(desc.MediaType)
	if err != nil {
		return err
	}

	p.report(desc, progress.StageQueued, 0)

	if p.store.Has(desc.Digest) {
		p.report(desc, progress.StageCached, desc.Size)
		return nil
	}

	done := log.Operation(ctx, "ingest blob", log.DescriptorAttr(desc))

	for attempt := 0; ; attempt++ {
		err = p.tryIngest(ctx, desc, kind)
		switch {
		case err == nil:
			done(nil)
			p.report(desc, progress.StageCommitted, desc.Size)
			return nil

		case errors.Is(err, store.ErrAlreadyExists):
			// A sibling reservation committed this digest first.
			done(nil)
			p.report(desc, progress.StageCached, desc.Size)
			return nil

		case attempt == 0 && retryable(err):
			log.From(ctx).Warn("blob ingestion failed, refetching once",
				slog.String("digest", desc.Digest.String()), slog.String("error", err.Error()))
			continue
		}

		done(err)
		p.report(desc, progress.StageFailed, 0)
		return fmt.Errorf("ingest %s: %w", desc.Digest, err)
	}
}

// retryable reports whether a failure warrants the single fresh re-fetch:
// integrity violations (assumed transit corruption) and broken streams. The
// same source bytes are never re-verified.
func retryable(err error) bool {
	var dErr *ocispec.DigestError
	var sErr *ocispec.SizeError
	if errors.As(err, &dErr) || errors.As(err, &sErr) {
		return true
	}
	return errors.Is(err, errStream)
}

// errStream marks a blob stream that broke mid-transfer.
var errStream = errors.New("pipeline: blob stream interrupted")

func (p *Pipeline) tryIngest(ctx context.Context, desc ociv1.Descriptor, kind ocispec.Compression) error {
	res, err := p.store.Reserve(ctx, desc.Digest, desc.Size)
	if err != nil {
		return err
	}

	rc, _, err := p.fetcher.FetchBlob(ctx, desc.Digest)
	if err != nil {
		res.Abort()
		return err
	}
	defer rc.Close()

	body := &countingReader{r: rc, desc: desc, pipeline: p}

	var diffRes *store.Reservation

	if kind == ocispec.Uncompressed {
		if _, err := io.Copy(res, body); err != nil {
			res.Abort()
			return streamErr(ctx, err)
		}
	} else {
		diffRes, err = p.ingestCompressed(ctx, res, body, kind)
		if err != nil {
			res.Abort()
			return err
		}
	}

	p.report(desc, progress.StageVerifying, body.n)

	// The wire digest is the trust boundary: verify it before the
	// decompressed branch becomes visible.
	wire, err := res.Commit(ctx)
	if err != nil {
		if diffRes != nil {
			diffRes.Abort()
		}
		return err
	}

	diffID := wire
	if diffRes != nil {
		if diffID, err = diffRes.Commit(ctx); err != nil {
			return err
		}
	}
	if err := p.store.SetUncompressed(wire, diffID); err != nil {
		return err
	}
	return nil
}

// ingestCompressed pulls the wire stream through a tee: raw bytes feed the
// wire reservation's digest and staging file, while a decompressor branch
// writes the uncompressed content into its own computed-digest reservation.
// Neither side buffers the layer in memory. The returned reservation is
// uncommitted; the caller commits it after the wire digest verifies.
func (p *Pipeline) ingestCompressed(ctx context.Context, res *store.Reservation, body io.Reader, kind ocispec.Compression) (*store.Reservation, error) {
	diffRes, err := p.store.Ingest()
	if err != nil {
		return nil, err
	}

	tee := io.TeeReader(body, res)
	dec, err := compression.NewReader(kind, tee)
	if err != nil {
		diffRes.Abort()
		return nil, streamErr(ctx, err)
	}

	if _, err := io.Copy(diffRes, dec); err != nil {
		dec.Close()
		diffRes.Abort()
		return nil, streamErr(ctx, err)
	}
	dec.Close()

	// The decompressor may stop short of EOF (framed formats); drain the
	// tail through the tee so the wire digest covers every fetched byte.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		diffRes.Abort()
		return nil, streamErr(ctx, err)
	}
	return diffRes, nil
}

// streamErr classifies a mid-transfer failure, preserving cancellation. Disk
// failures from the reservation writer pass through untouched: they are fatal
// immediately and must stay matchable as ErrStorage.
func streamErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, store.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", errStream, err)
}

func (p *Pipeline) report(desc ociv1.Descriptor, stage progress.Stage, bytes int64) {
	p.reporter.Publish(progress.Event{
		Digest: desc.Digest,
		Stage:  stage,
		Bytes:  bytes,
		Total:  desc.Size,
	})
}

// countingReader publishes transfer progress as bytes flow through.
type countingReader struct {
	r        io.Reader
	desc     ociv1.Descriptor
	pipeline *Pipeline
	n        int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.pipeline.report(c.desc, progress.StageDownloading, c.n)
	}
	return n, err
}
