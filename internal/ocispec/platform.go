package ocispec

import (
	"fmt"
	"runtime"
	"strings"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform selects a manifest out of a multi-platform index.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// HostPlatform returns the platform of the running process.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
}

// ParsePlatform parses "os/arch" or "os/arch/variant".
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		return Platform{OS: parts[0], Architecture: parts[1]}, nil
	case 3:
		return Platform{OS: parts[0], Architecture: parts[1], Variant: parts[2]}, nil
	}
	return Platform{}, fmt.Errorf("invalid platform %q: expected os/arch[/variant]", s)
}

func (p Platform) String() string {
	if p.Variant != "" {
		return p.OS + "/" + p.Architecture + "/" + p.Variant
	}
	return p.OS + "/" + p.Architecture
}

// Matches reports whether a descriptor's platform fields match exactly.
// A nil descriptor platform never matches.
func (p Platform) Matches(other *ociv1.Platform) bool {
	if other == nil {
		return false
	}
	return p.OS == other.OS &&
		p.Architecture == other.Architecture &&
		p.Variant == other.Variant
}

// SelectManifest returns the first index entry matching the platform.
func (p Platform) SelectManifest(idx *ociv1.Index) (ociv1.Descriptor, bool) {
	for _, m := range idx.Manifests {
		if p.Matches(m.Platform) {
			return m, true
		}
	}
	return ociv1.Descriptor{}, false
}
