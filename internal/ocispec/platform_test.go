package ocispec

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    Platform
		wantErr bool
	}{
		{in: "linux/amd64", want: Platform{OS: "linux", Architecture: "amd64"}},
		{in: "linux/arm/v7", want: Platform{OS: "linux", Architecture: "arm", Variant: "v7"}},
		{in: "linux", wantErr: true},
		{in: "linux/arm/v7/extra", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePlatform(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestPlatformMatches(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "arm64"}

	assert.True(t, p.Matches(&ociv1.Platform{OS: "linux", Architecture: "arm64"}))
	assert.False(t, p.Matches(&ociv1.Platform{OS: "linux", Architecture: "amd64"}))
	assert.False(t, p.Matches(&ociv1.Platform{OS: "darwin", Architecture: "arm64"}))
	assert.False(t, p.Matches(&ociv1.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}))
	assert.False(t, p.Matches(nil))
}

func TestSelectManifest(t *testing.T) {
	amd64 := ociv1.Descriptor{
		MediaType: ociv1.MediaTypeImageManifest,
		Digest:    digest.FromString("amd64"),
		Size:      1,
		Platform:  &ociv1.Platform{OS: "linux", Architecture: "amd64"},
	}
	arm64 := ociv1.Descriptor{
		MediaType: ociv1.MediaTypeImageManifest,
		Digest:    digest.FromString("arm64"),
		Size:      1,
		Platform:  &ociv1.Platform{OS: "linux", Architecture: "arm64"},
	}
	idx := &ociv1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		Manifests: []ociv1.Descriptor{amd64, arm64},
	}

	got, ok := Platform{OS: "linux", Architecture: "arm64"}.SelectManifest(idx)
	require.True(t, ok)
	assert.Equal(t, arm64.Digest, got.Digest)

	_, ok = Platform{OS: "linux", Architecture: "riscv64"}.SelectManifest(idx)
	assert.False(t, ok)
}
