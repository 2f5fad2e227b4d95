// Package progress carries informational ingestion events. Reporting is
// observational only: no correctness decision depends on it.
package progress

import "github.com/opencontainers/go-digest"

// Stage of one blob's ingestion.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageCommitted   Stage = "committed"
	StageCached      Stage = "cached"
	StageFailed      Stage = "failed"
)

// Event describes a stage transition or byte-count update for one descriptor.
type Event struct {
	Digest digest.Digest
	Stage  Stage
	Bytes  int64 // bytes transferred so far
	Total  int64 // declared size, 0 when unknown
}

// Reporter consumes progress events. Implementations must be safe for
// concurrent use and must not block the pipeline.
type Reporter interface {
	Publish(Event)
}

// Func adapts a function to the Reporter interface.
type Func func(Event)

func (f Func) Publish(e Event) { f(e) }

// Nop discards all events.
var Nop Reporter = Func(func(Event) {})
