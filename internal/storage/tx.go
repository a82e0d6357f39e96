// Package storage provides the transactional unit-of-work wrapper shared by
// workflows that mutate more than one record at a time.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTooManyAttempts is returned when a transaction keeps hitting transient
// conflicts past the attempt bound. Partial state is never left behind: every
// failed attempt is rolled back.
var ErrTooManyAttempts = errors.New("error writing to database, too many attempts")

// errTransient tags an error as retryable. Use MarkTransient to wrap.
var errTransient = errors.New("transient store error")

// MarkTransient wraps err so that WithTransaction will retry it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errTransient, err)
}

// Transient reports whether err is a retryable store error: either explicitly
// marked, or a driver-level busy/locked/conflict condition.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTransient) {
		return true
	}
	// modernc.org/sqlite surfaces SQLITE_BUSY/SQLITE_LOCKED in the error text;
	// the driver does not export comparable sentinel values.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_locked") ||
		strings.Contains(msg, "busy")
}

// WithTransaction runs fn inside a database transaction, retrying the whole
// block with exponential backoff when fn (or commit) fails with a transient
// conflict. Non-transient errors abort immediately after rollback. Exhausting
// maxAttempts surfaces ErrTooManyAttempts; the last underlying error is
// wrapped alongside it.
func WithTransaction(ctx context.Context, db *sql.DB, maxAttempts int, fn func(tx *sql.Tx) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w (%d): %w", ErrTooManyAttempts, maxAttempts, lastErr)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return MarkTransient(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return MarkTransient(err)
	}
	return nil
}

// Retry runs op with exponential backoff until it succeeds, returns a
// non-transient error, or ctx is canceled. It is the persistence-boundary
// retry used by the job queue so that store blips never drop a job.
func Retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if Transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}
