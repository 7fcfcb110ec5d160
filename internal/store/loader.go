package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pulseboard/ingest/internal/pipeline"
	"github.com/pulseboard/ingest/internal/transform"
)

// Loader applies batches of normalized records to one entity table.
//
// Each batch commits in a single transaction: readers see all of a
// batch or none of it. Re-applying an identical batch is a no-op
// thanks to the version-gated upsert. A record that violates a
// constraint is removed from the batch and retried once in isolation;
// the rest of the batch still commits.
type Loader struct {
	pool       dbPool
	entity     Entity
	upsertSQL  string
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// dbPool is the subset of pgxpool.Pool the loader uses. Narrowed for
// tests.
type dbPool interface {
	Begin(ctx context.Context) (txLike, error)
	ExecOne(ctx context.Context, sql string, args ...any) error
}

// txLike is the subset of pgx.Tx the loader uses.
type txLike interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NewLoader builds a Loader for one entity backed by the shared pool.
func NewLoader(s *Store, entity Entity, maxRetries int, logger *zap.Logger) *Loader {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Loader{
		pool:       &pgxPoolAdapter{pool: s.Pool},
		entity:     entity,
		upsertSQL:  entity.UpsertSQL(),
		maxRetries: maxRetries,
		backoff:    time.Second,
		logger:     logger.Named("loader").With(zap.String("entity", entity.Table)),
	}
}

// LoadBatch commits records atomically with upsert semantics. The
// returned result separates loaded from rejected records; a non-nil
// error means nothing further can be committed (connection exhaustion)
// and the run must fail.
func (l *Loader) LoadBatch(ctx context.Context, records []*transform.Record) (*pipeline.LoadResult, error) {
	if len(records) == 0 {
		return &pipeline.LoadResult{}, nil
	}

	skip := make(map[int]bool)
	isolatedOK := 0
	connAttempts := 0

	for {
		failedIdx, err := l.applyBatch(ctx, records, skip)
		if err == nil {
			return &pipeline.LoadResult{
				Loaded:   len(records) - len(skip) + isolatedOK,
				Rejected: len(skip) - isolatedOK,
			}, nil
		}

		var consErr *ConstraintError
		if errors.As(err, &consErr) && failedIdx >= 0 {
			// Drop the offender from the batch and give it one shot on
			// its own; the siblings retry without it.
			skip[failedIdx] = true
			if isoErr := l.pool.ExecOne(ctx, l.upsertSQL, l.entity.Args(records[failedIdx])...); isoErr == nil {
				isolatedOK++
			} else {
				l.logger.Warn("record rejected after isolated retry",
					zap.Int("index", failedIdx),
					zap.String("constraint", consErr.Constraint),
					zap.Error(isoErr))
			}
			continue
		}

		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			connAttempts++
			if connAttempts > l.maxRetries {
				return nil, err
			}
			l.logger.Warn("batch commit failed, retrying",
				zap.Int("attempt", connAttempts), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.backoff * time.Duration(connAttempts)):
			}
			continue
		}

		return nil, err
	}
}

// applyBatch runs one transactional attempt over the non-skipped
// records. On error it reports the index of the record that failed,
// or -1 when the failure was not record-local.
func (l *Loader) applyBatch(ctx context.Context, records []*transform.Record, skip map[int]bool) (int, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return -1, classifyPgError(err)
	}
	// Rollback after commit is a no-op; every exit path releases the
	// connection.
	defer tx.Rollback(ctx)

	for i, rec := range records {
		if skip[i] {
			continue
		}
		if err := tx.Exec(ctx, l.upsertSQL, l.entity.Args(rec)...); err != nil {
			return i, classifyPgError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return -1, classifyPgError(err)
	}
	return -1, nil
}
