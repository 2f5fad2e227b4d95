package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/ocitool/internal/ocispec"
)

// Reservation is an in-flight write into the store's staging area. Bytes
// written through it feed an incremental digester; Commit verifies the result
// and atomically publishes it under its digest.
type Reservation struct {
	store    *Store
	expected digest.Digest // empty for computed-digest ingests
	declared int64         // expected byte length, -1 when unknown
	file     *os.File
	digester digest.Digester
	written  int64
	done     bool
}

func (s *Store) newReservation(dgst digest.Digest, size int64) (*Reservation, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, ingestDir), "ingest-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create staging file: %v", ErrStorage, err)
	}
	return &Reservation{
		store:    s,
		expected: dgst,
		declared: size,
		file:     f,
		digester: digest.Canonical.Digester(),
	}, nil
}

// Write appends bytes to the staging file and the running digest.
func (r *Reservation) Write(p []byte) (int, error) {
	n, err := r.file.Write(p)
	if n > 0 {
		r.digester.Hash().Write(p[:n])
		r.written += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("%w: write staging file: %v", ErrStorage, err)
	}
	return n, nil
}

// Commit verifies the written content against the reservation's expectations
// and publishes it. On digest or size mismatch the staging file is discarded,
// the entry is marked Corrupt, and a typed integrity error is returned. A
// commit that races with another writer of the same computed digest succeeds
// as a dedup hit.
func (r *Reservation) Commit(ctx context.Context) (digest.Digest, error) {
	if r.done {
		return "", fmt.Errorf("%w: reservation already finished", ErrStorage)
	}
	r.done = true

	if err := r.file.Sync(); err != nil {
		r.discard(StateCorrupt)
		return "", fmt.Errorf("%w: sync staging file: %v", ErrStorage, err)
	}
	if err := r.file.Close(); err != nil {
		r.discard(StateCorrupt)
		return "", fmt.Errorf("%w: close staging file: %v", ErrStorage, err)
	}

	r.setState(StateVerifying)

	if r.declared >= 0 && r.written != r.declared {
		r.discard(StateCorrupt)
		return "", &ocispec.SizeError{Digest: r.expected, Expected: r.declared, Actual: r.written}
	}

	computed := r.digester.Digest()
	if r.expected != "" && computed != r.expected {
		r.discard(StateCorrupt)
		return "", &ocispec.DigestError{Expected: r.expected, Actual: computed}
	}

	s := r.store
	dest := filepath.Join(s.root, blobPath(computed))
	if err := os.Rename(r.file.Name(), dest); err != nil {
		r.discard(StateCorrupt)
		return "", fmt.Errorf("%w: publish %s: %v", ErrStorage, computed, err)
	}

	s.mu.Lock()
	e, ok := s.entries[computed]
	if !ok {
		e = &entry{}
		s.entries[computed] = e
	}
	if e.state != StatePresent {
		e.state = StatePresent
		e.path = blobPath(computed)
		e.size = r.written
		e.refs = 1
	}
	err := s.saveIndexLocked()
	s.mu.Unlock()

	s.finishFlight(r.expected, true)
	if err != nil {
		return "", err
	}
	return computed, nil
}

// Abort discards the reservation and wakes any waiters so one can take over.
func (r *Reservation) Abort() {
	if r.done {
		return
	}
	r.done = true
	r.discard(StateAbsent)
}

// discard removes the staging file and releases the flight. Corrupt state is
// kept in the entry table so the digest is observable as poisoned until a
// fresh reservation overwrites it.
func (r *Reservation) discard(state State) {
	r.file.Close()
	os.Remove(r.file.Name())

	s := r.store
	if r.expected != "" {
		s.mu.Lock()
		if e, ok := s.entries[r.expected]; ok && e.state != StatePresent {
			if state == StateCorrupt {
				e.state = StateCorrupt
			} else {
				delete(s.entries, r.expected)
			}
		}
		s.mu.Unlock()
	}
	s.finishFlight(r.expected, false)
}

func (r *Reservation) setState(state State) {
	if r.expected == "" {
		return
	}
	s := r.store
	s.mu.Lock()
	if e, ok := s.entries[r.expected]; ok && e.state == StateReserved {
		e.state = state
	}
	s.mu.Unlock()
}
