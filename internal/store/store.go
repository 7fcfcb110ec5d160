// Package store owns everything that touches Postgres: connection
// pooling, schema migration, the batch loader, and the run/checkpoint
// repositories.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pulseboard/ingest/internal/config"
)

// ConnectionError marks a store failure rooted in connectivity, not
// data. Callers retry these with backoff before failing a run.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConstraintError marks a record-level constraint violation. The
// loader isolates and retries the offending record instead of
// aborting the batch.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation (%s): %v", e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// classifyPgError sorts a Postgres error into the loader's taxonomy.
// SQLSTATE class 23 is integrity violation; class 08 is connection
// failure. Anything that is not a server-reported error is treated as
// a connection problem.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return &ConstraintError{Constraint: pgErr.ConstraintName, Err: err}
		case strings.HasPrefix(pgErr.Code, "08"):
			return &ConnectionError{Err: err}
		default:
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ConnectionError{Err: err}
}

// Store wraps the shared pgx connection pool. The pool is shared by
// all pipeline workers; the dashboard reads through its own clients.
type Store struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens the pool and verifies connectivity, retrying with a
// fixed backoff for the configured number of attempts.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	log := logger.Named("store")

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.ConnectBackoff):
			}
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			continue
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			lastErr = err
			log.Warn("database not reachable, retrying",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		log.Info("connected to database", zap.Int32("max_conns", poolCfg.MaxConns))
		return &Store{Pool: pool, logger: log}, nil
	}
	return nil, &ConnectionError{Err: fmt.Errorf("connect after %d attempts: %w", cfg.ConnectRetries+1, lastErr)}
}

// Ping verifies the pool is still healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.Pool.Close()
}
