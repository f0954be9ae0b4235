package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (SQLSTATE 40001), the abort Postgres raises when a concurrent
// commit invalidates a transaction's snapshot.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// WithTx executes fn within a ReadCommitted transaction. Any error from fn
// rolls the transaction back; the deferred rollback is a no-op after commit.
//
// ReadCommitted is deliberate: a pass blocked on another pass's FOR UPDATE
// lock must resume against the committed rows once the lock holder finishes.
// Under a snapshot isolation level that resume would abort with a
// serialization failure (SQLSTATE 40001) instead, because the locked rows
// changed after the waiter's snapshot. The row lock plus the version check in
// the conditional invoice write carry the consistency guarantees.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
