package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
)

// Primary SQLite result codes for lock contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsConflict reports whether err is a transaction conflict that is safe to retry:
// serialization failure, deadlock or lock-not-available on Postgres, busy/locked on SQLite.
func IsConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}

// RunInTx runs fn inside a transaction. fn must use tx for every statement and must not
// commit or roll back. A panic in fn rolls the transaction back and is returned as an error.
func RunInTx(ctx context.Context, db *sqlx.DB, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("transaction panic: %v", r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunInTxWithRetry is RunInTx repeated while retryable(err) holds and b yields a delay.
// fn must be idempotent.
func RunInTxWithRetry(ctx context.Context, db *sqlx.DB, fn func(ctx context.Context, tx *sqlx.Tx) error, retryable func(error) bool, b backoff.BackOff) error {
	b.Reset()
	for {
		err := RunInTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
