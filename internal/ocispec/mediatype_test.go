package ocispec

import (
	"testing"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayerCompression(t *testing.T) {
	tests := []struct {
		mediaType string
		want      Compression
	}{
		{ociv1.MediaTypeImageLayer, Uncompressed},
		{ociv1.MediaTypeImageLayerGzip, Gzip},
		{ociv1.MediaTypeImageLayerZstd, Zstd},
		{ociv1.MediaTypeImageConfig, Uncompressed},
		{DockerLayerTarGzip, Gzip},
		{DockerLayerTarZstd, Zstd},
		{DockerConfigJSON, Uncompressed},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			got, err := LayerCompression(tt.mediaType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayerCompressionUnknown(t *testing.T) {
	_, err := LayerCompression("application/vnd.example.unknown")
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestMediaTypePredicates(t *testing.T) {
	assert.True(t, IsIndex(ociv1.MediaTypeImageIndex))
	assert.True(t, IsIndex(DockerManifestList))
	assert.False(t, IsIndex(ociv1.MediaTypeImageManifest))

	assert.True(t, IsManifest(ociv1.MediaTypeImageManifest))
	assert.True(t, IsManifest(DockerManifest))
	assert.False(t, IsManifest(ociv1.MediaTypeImageIndex))

	assert.True(t, IsConfig(ociv1.MediaTypeImageConfig))
	assert.True(t, IsConfig(DockerConfigJSON))
	assert.False(t, IsConfig(ociv1.MediaTypeImageLayerGzip))
}
