// Package store is a content-addressable blob store with per-digest
// single-flight ingestion.
//
// Layout on disk:
//
//	root/
//	  blobs/sha256/<hex>   verified content, addressed by digest
//	  ingest/              staging area for in-flight reservations
//	  index.json           digest -> {path, size, refs}; entry exists iff Present
//
// Content becomes visible through Has/Open only after a reservation commits,
// which requires full digest verification. Concurrent reservations for the
// same digest coordinate: one proceeds, the rest wait and either reuse its
// result or take over after it fails.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrAlreadyExists is returned by Reserve when the digest is already
	// Present, including when a concurrent reservation committed it first.
	ErrAlreadyExists = errors.New("store: content already exists")

	// ErrNotFound is returned by Open for digests that are not Present.
	ErrNotFound = errors.New("store: content not found")

	// ErrStorage wraps disk-level failures. Fatal immediately: retrying
	// cannot change a resource-exhaustion condition.
	ErrStorage = errors.New("store: storage error")
)

// State of a content entry.
type State int

const (
	StateAbsent State = iota
	StateReserved
	StateVerifying
	StatePresent
	StateCorrupt
)

const smallBlobLimit = 1 << 20 // cache manifests and configs, not layers

type entry struct {
	state        State
	path         string // relative to root
	size         int64
	refs         int
	uncompressed digest.Digest // diff ID of the decompressed content, if recorded
}

// flight marks a digest with an in-flight reservation. Waiters block on done.
type flight struct {
	done chan struct{}
}

// Store is a local filesystem content store.
type Store struct {
	root  string
	cache *lruCache

	mu      sync.Mutex
	entries map[digest.Digest]*entry
	flights map[digest.Digest]*flight
	images  map[string]digest.Digest
}

// Open opens or creates a store rooted at dir.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{blobDir, ingestDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, sub, err)
		}
	}

	s := &Store{
		root:    dir,
		cache:   newLRUCache(64),
		entries: make(map[digest.Digest]*entry),
		flights: make(map[digest.Digest]*flight),
		images:  make(map[string]digest.Digest),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Has reports whether the digest is Present. Partially written content is
// never visible here.
func (s *Store) Has(dgst digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[dgst]
	return ok && e.state == StatePresent
}

// Open returns a reader over the verified content and its size.
func (s *Store) Open(dgst digest.Digest) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	e, ok := s.entries[dgst]
	if !ok || e.state != StatePresent {
		s.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, dgst)
	}
	path, size := filepath.Join(s.root, e.path), e.size
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %v", ErrStorage, dgst, err)
	}
	return f, size, nil
}

// Bytes reads small Present content (manifests, configs) through an in-memory
// cache.
func (s *Store) Bytes(dgst digest.Digest) ([]byte, error) {
	if data, ok := s.cache.get(dgst); ok {
		return data, nil
	}

	rc, size, err := s.Open(dgst)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, dgst, err)
	}
	if size <= smallBlobLimit {
		s.cache.add(dgst, data)
	}
	return data, nil
}

// Reserve claims the right to ingest the given digest. It returns
// ErrAlreadyExists when the content is Present. When another reservation for
// the same digest is in flight, Reserve waits for it: if it commits, the
// waiter gets ErrAlreadyExists; if it fails, the waiter takes over with a
// fresh reservation.
func (s *Store) Reserve(ctx context.Context, dgst digest.Digest, size int64) (*Reservation, error) {
	for {
		s.mu.Lock()
		if e, ok := s.entries[dgst]; ok && e.state == StatePresent {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, dgst)
		}
		if f, ok := s.flights[dgst]; ok {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-f.done:
			}
			continue
		}

		f := &flight{done: make(chan struct{})}
		s.flights[dgst] = f
		s.entries[dgst] = &entry{state: StateReserved}
		s.mu.Unlock()

		res, err := s.newReservation(dgst, size)
		if err != nil {
			s.finishFlight(dgst, false)
			return nil, err
		}
		return res, nil
	}
}

// Ingest starts a reservation whose digest is computed from the written bytes
// and fixed at commit time. Used for content whose identity is not known up
// front, like decompressed layer streams.
func (s *Store) Ingest() (*Reservation, error) {
	return s.newReservation("", -1)
}

// SetUncompressed records the diff ID of the decompressed content behind a
// Present wire digest.
func (s *Store) SetUncompressed(dgst, uncompressed digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[dgst]
	if !ok || e.state != StatePresent {
		return fmt.Errorf("%w: %s", ErrNotFound, dgst)
	}
	e.uncompressed = uncompressed
	return s.saveIndexLocked()
}

// Uncompressed returns the recorded diff ID for a wire digest, if any.
func (s *Store) Uncompressed(dgst digest.Digest) (digest.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[dgst]
	if !ok || e.uncompressed == "" {
		return "", false
	}
	return e.uncompressed, true
}

// AddRef increments the reference count of a Present entry.
func (s *Store) AddRef(dgst digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[dgst]; ok && e.state == StatePresent {
		e.refs++
	}
}

// Release decrements the reference count. Content at zero is removed by the
// next GC pass, not immediately.
func (s *Store) Release(dgst digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[dgst]; ok && e.refs > 0 {
		e.refs--
	}
}

// GC removes unreferenced content and returns the digests it deleted. Manifest
// digests recorded in the image index are kept regardless of reference count;
// their config and layer content is not walked and survives only through its
// own reference count.
func (s *Store) GC(ctx context.Context) ([]digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[digest.Digest]bool)
	for _, dgst := range s.images {
		referenced[dgst] = true
	}

	var removed []digest.Digest
	for dgst, e := range s.entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.state != StatePresent || e.refs > 0 || referenced[dgst] {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, e.path)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("%w: remove %s: %v", ErrStorage, dgst, err)
		}
		delete(s.entries, dgst)
		s.cache.remove(dgst)
		removed = append(removed, dgst)
	}

	if len(removed) > 0 {
		if err := s.saveIndexLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// PutImage records that a reference resolves to a manifest digest.
func (s *Store) PutImage(ref string, dgst digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[ref] = dgst
	return s.saveIndexLocked()
}

// GetImage returns the recorded manifest digest for a reference.
func (s *Store) GetImage(ref string) (digest.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dgst, ok := s.images[ref]
	return dgst, ok
}

// Images returns a copy of the reference index.
func (s *Store) Images() map[string]digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]digest.Digest, len(s.images))
	for ref, dgst := range s.images {
		out[ref] = dgst
	}
	return out
}

// finishFlight releases the in-flight marker for a digest and wakes waiters.
func (s *Store) finishFlight(dgst digest.Digest, committed bool) {
	if dgst == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flights[dgst]; ok {
		close(f.done)
		delete(s.flights, dgst)
	}
	if !committed {
		if e, ok := s.entries[dgst]; ok && e.state != StatePresent && e.state != StateCorrupt {
			delete(s.entries, dgst)
		}
	}
}

const (
	blobDir   = "blobs/sha256"
	ingestDir = "ingest"
)

func blobPath(dgst digest.Digest) string {
	return filepath.Join(blobDir, dgst.Encoded())
}
