package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pulseboard/ingest/internal/pipeline"
)

// CheckpointRepo persists per-source cursors in ingest_checkpoints.
// Only the runner advances a checkpoint, and only after the matching
// batch commit was acknowledged, so a crash can at worst replay data
// the upsert absorbs anyway.
type CheckpointRepo struct {
	store *Store
}

// NewCheckpointRepo creates the checkpoint repository.
func NewCheckpointRepo(s *Store) *CheckpointRepo {
	return &CheckpointRepo{store: s}
}

// GetCheckpoint returns the checkpoint for a source, or nil when the
// source has never committed.
func (r *CheckpointRepo) GetCheckpoint(ctx context.Context, sourceID string) (*pipeline.Checkpoint, error) {
	row := r.store.Pool.QueryRow(ctx,
		`SELECT source_id, cursor, fingerprint, updated_at
		 FROM ingest_checkpoints WHERE source_id = $1`, sourceID)

	var cp pipeline.Checkpoint
	if err := row.Scan(&cp.SourceID, &cp.Cursor, &cp.Fingerprint, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query checkpoint: %w", classifyPgError(err))
	}
	return &cp, nil
}

// AdvanceCheckpoint upserts the source's cursor and fingerprint.
func (r *CheckpointRepo) AdvanceCheckpoint(ctx context.Context, sourceID, cursor, fingerprint string) error {
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO ingest_checkpoints (source_id, cursor, fingerprint, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (source_id) DO UPDATE
		 SET cursor = EXCLUDED.cursor,
		     fingerprint = EXCLUDED.fingerprint,
		     updated_at = now()`,
		sourceID, cursor, fingerprint)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", classifyPgError(err))
	}
	return nil
}
