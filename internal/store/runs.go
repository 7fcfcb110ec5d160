package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulseboard/ingest/internal/pipeline"
)

// RunRepo persists run records in ingest_runs. Terminal statuses are
// immutable at the SQL level: updates only land on non-terminal rows.
type RunRepo struct {
	store *Store
}

// NewRunRepo creates the run repository.
func NewRunRepo(s *Store) *RunRepo {
	return &RunRepo{store: s}
}

// CreateRun inserts a new pending run.
func (r *RunRepo) CreateRun(ctx context.Context, run *pipeline.Run) error {
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO ingest_runs (run_id, source_id, status, started_at)
		 VALUES ($1, $2, $3, $4)`,
		run.ID, run.SourceID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", classifyPgError(err))
	}
	return nil
}

// UpdateRun persists the run's current status and counts. The guard
// on stored status mirrors the in-memory state machine: once a row is
// terminal no update may touch it again.
func (r *RunRepo) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		finishedAt = &run.FinishedAt
	}

	tag, err := r.store.Pool.Exec(ctx,
		`UPDATE ingest_runs
		 SET status = $2, finished_at = $3,
		     fetched = $4, transformed = $5, loaded = $6, rejected = $7,
		     last_error = $8
		 WHERE run_id = $1
		   AND status NOT IN ('succeeded', 'partial', 'failed')`,
		run.ID, string(run.Status), finishedAt,
		run.Counts.Fetched, run.Counts.Transformed, run.Counts.Loaded, run.Counts.Rejected,
		run.LastError)
	if err != nil {
		return fmt.Errorf("update run: %w", classifyPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is already terminal", run.ID)
	}
	return nil
}

// LatestRun returns the most recent run for a source, or nil when the
// source has never run. Surfaced on the health endpoint so operators
// can observe staleness.
func (r *RunRepo) LatestRun(ctx context.Context, sourceID string) (*pipeline.Run, error) {
	row := r.store.Pool.QueryRow(ctx,
		`SELECT run_id, source_id, status, started_at,
		        COALESCE(finished_at, 'epoch'::timestamptz),
		        fetched, transformed, loaded, rejected, last_error
		 FROM ingest_runs
		 WHERE source_id = $1
		 ORDER BY started_at DESC
		 LIMIT 1`, sourceID)

	var run pipeline.Run
	var status string
	var finishedAt time.Time
	err := row.Scan(&run.ID, &run.SourceID, &status, &run.StartedAt, &finishedAt,
		&run.Counts.Fetched, &run.Counts.Transformed, &run.Counts.Loaded, &run.Counts.Rejected,
		&run.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest run: %w", classifyPgError(err))
	}
	run.Status = pipeline.Status(status)
	if finishedAt.Unix() > 0 {
		run.FinishedAt = finishedAt
	}
	return &run, nil
}
