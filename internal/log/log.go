// Package log carries the shared logging helpers for the ingestion engine.
package log

import (
	"context"
	"log/slog"
	"time"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	slogctx "github.com/veqryn/slog-context"
)

// From returns the context-scoped logger, tagged with the engine realm.
func From(ctx context.Context) *slog.Logger {
	return slogctx.FromCtx(ctx).With(slog.String("realm", "ocitool"))
}

// Operation logs the start of an operation and returns a closure that logs its
// outcome with timing.
func Operation(ctx context.Context, operation string, fields ...slog.Attr) func(error) {
	start := time.Now()
	attrs := make([]any, 0, len(fields)+1)
	attrs = append(attrs, slog.String("operation", operation))
	for _, field := range fields {
		attrs = append(attrs, field)
	}
	logger := From(ctx).With(attrs...)
	logger.Log(ctx, slog.LevelDebug, "starting operation")
	return func(err error) {
		if err != nil {
			logger.Log(ctx, slog.LevelError, "operation failed",
				slog.Duration("duration", time.Since(start)), slog.String("error", err.Error()))
		} else {
			logger.Log(ctx, slog.LevelDebug, "operation completed",
				slog.Duration("duration", time.Since(start)))
		}
	}
}

// DescriptorAttr groups the identifying fields of an OCI descriptor.
func DescriptorAttr(desc ociv1.Descriptor) slog.Attr {
	return slog.Group("descriptor",
		slog.String("mediaType", desc.MediaType),
		slog.String("digest", desc.Digest.String()),
		slog.Int64("size", desc.Size),
	)
}
