// Package dbx provides the small DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// transaction helpers, identifier quoting and chunking.
package dbx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of database/sql used by our repos.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// RetryPolicy bounds RetryTx.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
}

// DefaultRetryPolicy retries a chunk transaction up to five times.
var DefaultRetryPolicy = RetryPolicy{MaxTries: 5, InitialInterval: 100 * time.Millisecond}

// RetryTx runs fn in a transaction via WithTx and reruns the whole
// transaction when it fails with a transient storage error. Any other error
// is returned immediately. fn must be safe to rerun: nothing it did is
// visible after a rollback.
func RetryTx(ctx context.Context, db *sql.DB, policy RetryPolicy, fn func(ctx context.Context, tx DBTX) error) error {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	tries := policy.MaxTries
	if tries == 0 {
		tries = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := WithTx(ctx, db, nil, fn)
		if err != nil && !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}

// Retryable reports whether err is a transient storage failure after which
// rerunning the same transaction is safe.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	}
	// class 08: connection exception
	return len(pgErr.SQLState()) == 5 && pgErr.SQLState()[:2] == "08"
}

// Ident quotes a (possibly schema-qualified) identifier for inclusion in SQL text.
func Ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// Chunks splits items into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// maxIdentifierLength is the PostgreSQL identifier limit; longer names are
// truncated silently by the server.
const maxIdentifierLength = 63

// IndexName derives an index name from a table name, truncating the table
// part so the suffix always survives.
func IndexName(table, suffix string) string {
	keep := maxIdentifierLength - len(suffix) - 1
	if len(table) > keep {
		table = table[:keep]
	}
	return table + "_" + suffix
}
