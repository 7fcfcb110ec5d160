// Package pipeline drives the fetch→transform→load cycle: the run
// state machine, the per-source runner, and the scheduler that
// triggers runs on their cadence.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run. Transitions are monotonic:
// pending → running → {succeeded, partial, failed}. Terminal states
// are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// canTransition encodes the run state machine.
func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Counts tracks per-phase record totals for one run.
type Counts struct {
	Fetched     int // raw payloads produced by the fetcher
	Transformed int // normalized records produced
	Loaded      int // records durably committed
	Rejected    int // records dropped at transform or load time
}

// Run is one execution of the pipeline for a single source. Persisted
// for observability and idempotency decisions.
type Run struct {
	ID         uuid.UUID
	SourceID   string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time // zero until terminal
	Counts     Counts
	LastError  string
}

// NewRun creates a pending run for a source.
func NewRun(sourceID string) *Run {
	return &Run{
		ID:        uuid.New(),
		SourceID:  sourceID,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}
}

// Transition moves the run to a new status, enforcing monotonicity.
// Terminal statuses also stamp FinishedAt.
func (r *Run) Transition(to Status) error {
	if !r.Status.canTransition(to) {
		return fmt.Errorf("invalid run transition %s → %s", r.Status, to)
	}
	r.Status = to
	if to.Terminal() {
		r.FinishedAt = time.Now().UTC()
	}
	return nil
}

// Checkpoint is the durable per-source cursor marking the last
// successfully committed data point. It advances only past data the
// store has acknowledged.
type Checkpoint struct {
	SourceID    string
	Cursor      string
	Fingerprint string
	UpdatedAt   time.Time
}
