package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPoolAdapter bridges pgxpool.Pool to the narrow dbPool interface
// the loader is written against.
type pgxPoolAdapter struct {
	pool *pgxpool.Pool
}

func (a *pgxPoolAdapter) Begin(ctx context.Context) (txLike, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTxAdapter{tx: tx}, nil
}

func (a *pgxPoolAdapter) ExecOne(ctx context.Context, sql string, args ...any) error {
	if _, err := a.pool.Exec(ctx, sql, args...); err != nil {
		return classifyPgError(err)
	}
	return nil
}

type pgxTxAdapter struct {
	tx pgx.Tx
}

func (a *pgxTxAdapter) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := a.tx.Exec(ctx, sql, args...)
	return err
}

func (a *pgxTxAdapter) Commit(ctx context.Context) error {
	return a.tx.Commit(ctx)
}

func (a *pgxTxAdapter) Rollback(ctx context.Context) error {
	return a.tx.Rollback(ctx)
}
