// Package store provides the SQLite-backed sync ledger: run records and the
// change-detection watermark, per-entity sync timestamps, pending-mint
// records, the exclusive run lease, and the append-only audit trail.
//
// The ledger is the engine's durable memory between runs. Each step of the
// creation sequence persists its completion here before the next step
// starts, which replaces cross-step atomicity with idempotent, resumable
// steps. The connection pool is limited to a single writer, so audit
// appends and the watermark commit serialize without extra locking.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DefaultStaleLeaseAge is how long a run lease may be held before a new
// run treats it as abandoned and takes it over. A run that crashes without
// releasing the lease (SIGKILL, power loss) would otherwise block every
// later run.
const DefaultStaleLeaseAge = 1 * time.Hour

// Ledger provides durable storage for reconciliation state.
// Uses SQLite with WAL mode for concurrent read access.
type Ledger struct {
	db            *sql.DB
	staleLeaseAge time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStaleLeaseAge sets how old a lease must be before AcquireLease
// treats it as abandoned. Zero or negative keeps the default.
func WithStaleLeaseAge(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.staleLeaseAge = d
		}
	}
}

// Open creates or opens the ledger database at the given path.
// Applies required pragmas and the schema automatically; safe to call
// repeatedly.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	l := &Ledger{db: db, staleLeaseAge: DefaultStaleLeaseAge}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Ledger methods when available.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// toNanos converts a time to its stored representation. The zero time maps
// to 0 ("never").
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos converts a stored timestamp back to a time. 0 maps to the zero
// time.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// execContext is a small helper that wraps ExecContext with an operation
// label for error context.
func (l *Ledger) execContext(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
