// Package ocitool fetches, verifies, and ingests OCI container images from
// remote registries into a content-addressable local store.
//
// The Engine is the entry point: given an image reference it resolves the
// manifest (selecting the platform-matching variant from an index), pulls the
// config and layer blobs concurrently, verifies every byte against its claimed
// digest, decompresses layer streams, and commits the content into a
// deduplicated local store. Content is visible to readers only after
// verification succeeds.
//
//	engine, err := ocitool.New(ocitool.WithCacheDir("/var/lib/ocitool"))
//	if err != nil { ... }
//	img, err := engine.ResolveAndIngest(ctx, "alpine:3.20")
package ocitool
