package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Bookkeeping tables owned by the pipeline. The dashboard reads them
// to surface ingestion staleness but never writes.
const (
	runsTableSQL = `CREATE TABLE IF NOT EXISTS ingest_runs (
	run_id UUID PRIMARY KEY,
	source_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	fetched INTEGER NOT NULL DEFAULT 0,
	transformed INTEGER NOT NULL DEFAULT 0,
	loaded INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
)`

	runsIndexSQL = `CREATE INDEX IF NOT EXISTS ingest_runs_source_started_idx
	ON ingest_runs (source_id, started_at DESC)`

	checkpointsTableSQL = `CREATE TABLE IF NOT EXISTS ingest_checkpoints (
	source_id TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
)

// Migrate bootstraps the schema: the bookkeeping tables plus one table
// per configured entity. All statements are idempotent, so restarting
// the service against an existing schema is safe.
func (s *Store) Migrate(ctx context.Context, entities []Entity) error {
	statements := []string{runsTableSQL, runsIndexSQL, checkpointsTableSQL}
	for _, e := range entities {
		statements = append(statements, e.CreateTableSQL())
	}

	for _, stmt := range statements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classifyPgError(err))
		}
	}

	s.logger.Info("schema migrated", zap.Int("entities", len(entities)))
	return nil
}
