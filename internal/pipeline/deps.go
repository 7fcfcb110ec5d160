package pipeline

import (
	"context"

	"github.com/pulseboard/ingest/internal/fetch"
	"github.com/pulseboard/ingest/internal/transform"
)

// PayloadStream is the lazy payload sequence a fetcher produces.
// *fetch.PayloadIterator satisfies it; tests substitute fakes.
type PayloadStream interface {
	Next() bool
	Value() *fetch.RawPayload
	Err() error
	Pages() int
	Close() error
}

// FetchFunc starts a fetch for new data past the given cursor.
type FetchFunc func(ctx context.Context, cursor string) PayloadStream

// Transformer normalizes one raw payload. Must be pure: no network,
// no store access.
type Transformer interface {
	Transform(payload *fetch.RawPayload) (*transform.Result, error)
}

// LoadResult reports the outcome of one batch commit.
type LoadResult struct {
	Loaded   int
	Rejected int
}

// BatchLoader applies a batch of normalized records to the store
// atomically and idempotently.
type BatchLoader interface {
	LoadBatch(ctx context.Context, records []*transform.Record) (*LoadResult, error)
}

// RunStore persists run state. Implementations must keep terminal
// statuses immutable.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
}

// CheckpointStore persists per-source cursors. Get returns nil when
// the source has no checkpoint yet.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, sourceID string) (*Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, sourceID, cursor, fingerprint string) error
}
