package ocispec

import (
	"fmt"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types accepted alongside the OCI ones. Docker Hub still serves
// most public images with these.
const (
	DockerManifestList   = "application/vnd.docker.distribution.manifest.list.v2+json"
	DockerManifest       = "application/vnd.docker.distribution.manifest.v2+json"
	DockerConfigJSON     = "application/vnd.docker.container.image.v1+json"
	DockerLayerTar       = "application/vnd.docker.image.rootfs.diff.tar"
	DockerLayerTarGzip   = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	DockerLayerTarZstd   = "application/vnd.docker.image.rootfs.diff.tar.zstd"
	DockerForeignLayer   = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// Compression identifies the wire encoding of a layer blob.
type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

// IsIndex reports whether the media type names a multi-platform index.
func IsIndex(mediaType string) bool {
	return mediaType == ociv1.MediaTypeImageIndex || mediaType == DockerManifestList
}

// IsManifest reports whether the media type names a single-platform manifest.
func IsManifest(mediaType string) bool {
	return mediaType == ociv1.MediaTypeImageManifest || mediaType == DockerManifest
}

// IsConfig reports whether the media type names an image config blob.
func IsConfig(mediaType string) bool {
	return mediaType == ociv1.MediaTypeImageConfig || mediaType == DockerConfigJSON
}

// LayerCompression maps a layer (or config) media type to its wire compression.
// Unrecognized media types are a schema violation, not a passthrough.
func LayerCompression(mediaType string) (Compression, error) {
	switch mediaType {
	case ociv1.MediaTypeImageLayer, ociv1.MediaTypeImageLayerNonDistributable, DockerLayerTar:
		return Uncompressed, nil
	case ociv1.MediaTypeImageLayerGzip, ociv1.MediaTypeImageLayerNonDistributableGzip,
		DockerLayerTarGzip, DockerForeignLayer:
		return Gzip, nil
	case ociv1.MediaTypeImageLayerZstd, ociv1.MediaTypeImageLayerNonDistributableZstd,
		DockerLayerTarZstd:
		return Zstd, nil
	case ociv1.MediaTypeImageConfig, DockerConfigJSON, ociv1.MediaTypeEmptyJSON:
		return Uncompressed, nil
	}
	return Uncompressed, fmt.Errorf("%w: unsupported media type %q", ErrMalformedManifest, mediaType)
}

// AcceptHeader is the Accept value sent on manifest requests, offering the OCI
// and Docker document types we can parse.
const AcceptHeader = ociv1.MediaTypeImageIndex + ", " +
	ociv1.MediaTypeImageManifest + ", " +
	DockerManifestList + ", " +
	DockerManifest
