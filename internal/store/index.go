package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

const indexFile = "index.json"

// indexDoc is the persisted shape of the store: only Present entries appear,
// so an index entry existing implies the content passed verification.
type indexDoc struct {
	Entries map[string]indexEntry    `json:"entries"`
	Images  map[string]digest.Digest `json:"images,omitempty"`
}

type indexEntry struct {
	Path         string        `json:"path"`
	Size         int64         `json:"size"`
	Refs         int           `json:"refs"`
	Uncompressed digest.Digest `json:"uncompressed,omitempty"`
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read index: %v", ErrStorage, err)
	}

	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: parse index: %v", ErrStorage, err)
	}

	for raw, ie := range doc.Entries {
		dgst := digest.Digest(raw)
		if dgst.Validate() != nil {
			continue
		}
		s.entries[dgst] = &entry{
			state:        StatePresent,
			path:         ie.Path,
			size:         ie.Size,
			refs:         ie.Refs,
			uncompressed: ie.Uncompressed,
		}
	}
	for ref, dgst := range doc.Images {
		s.images[ref] = dgst
	}
	return nil
}

// saveIndexLocked persists the index with an atomic rename. Caller holds s.mu.
func (s *Store) saveIndexLocked() error {
	doc := indexDoc{
		Entries: make(map[string]indexEntry, len(s.entries)),
		Images:  s.images,
	}
	for dgst, e := range s.entries {
		if e.state != StatePresent {
			continue
		}
		doc.Entries[dgst.String()] = indexEntry{
			Path:         e.path,
			Size:         e.size,
			Refs:         e.refs,
			Uncompressed: e.uncompressed,
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: serialize index: %v", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(s.root, "index-*")
	if err != nil {
		return fmt.Errorf("%w: stage index: %v", ErrStorage, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write index: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: close index: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, indexFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: publish index: %v", ErrStorage, err)
	}
	return nil
}
