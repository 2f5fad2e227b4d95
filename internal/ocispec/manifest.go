// Package ocispec models OCI manifest and index documents.
//
// Documents are kept alongside their raw bytes so that their digest stays
// byte-stable: two parses of identical input always produce identical digests,
// which is what makes digest-pinned references checkable.
package ocispec

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Document is a parsed manifest or index together with the exact bytes it was
// parsed from. Exactly one of Manifest/Index is set.
type Document struct {
	MediaType string
	Digest    digest.Digest
	Raw       []byte

	Manifest *ociv1.Manifest
	Index    *ociv1.Index
}

// IsIndex reports whether the document is a multi-platform index.
func (d *Document) IsIndex() bool { return d.Index != nil }

// ParseDocument parses and validates a manifest or index document. The
// mediaType hint comes from the registry's Content-Type header; when the
// document carries its own mediaType field, that field wins.
func ParseDocument(data []byte, mediaType string) (*Document, error) {
	var probe struct {
		SchemaVersion int    `json:"schemaVersion"`
		MediaType     string `json:"mediaType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if probe.MediaType != "" {
		mediaType = probe.MediaType
	}

	doc := &Document{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Raw:       data,
	}

	switch {
	case IsIndex(mediaType):
		var idx ociv1.Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
		}
		if err := validateIndex(&idx); err != nil {
			return nil, err
		}
		doc.Index = &idx
	case IsManifest(mediaType):
		var m ociv1.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
		}
		if err := validateManifest(&m); err != nil {
			return nil, err
		}
		doc.Manifest = &m
	default:
		return nil, fmt.Errorf("%w: unexpected media type %q", ErrMalformedManifest, mediaType)
	}

	return doc, nil
}

func validateManifest(m *ociv1.Manifest) error {
	if m.SchemaVersion != 2 {
		return fmt.Errorf("%w: schema version %d", ErrMalformedManifest, m.SchemaVersion)
	}
	if err := validateDescriptor(m.Config, "config"); err != nil {
		return err
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: manifest has no layers", ErrMalformedManifest)
	}
	for i, l := range m.Layers {
		if err := validateDescriptor(l, fmt.Sprintf("layer %d", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateIndex(idx *ociv1.Index) error {
	if idx.SchemaVersion != 2 {
		return fmt.Errorf("%w: schema version %d", ErrMalformedManifest, idx.SchemaVersion)
	}
	if len(idx.Manifests) == 0 {
		return fmt.Errorf("%w: index has no manifests", ErrMalformedManifest)
	}
	for i, m := range idx.Manifests {
		if err := validateDescriptor(m, fmt.Sprintf("manifest %d", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateDescriptor(d ociv1.Descriptor, what string) error {
	if d.MediaType == "" {
		return fmt.Errorf("%w: %s descriptor has no media type", ErrMalformedManifest, what)
	}
	if err := d.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: %s descriptor digest: %v", ErrMalformedManifest, what, err)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: %s descriptor has negative size", ErrMalformedManifest, what)
	}
	return nil
}
