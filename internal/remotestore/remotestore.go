// Package remotestore implements the remote store adapter over a SQLite
// database standing in for the authority registry. The remote store is the
// sole source of canonical object identifiers: Mint allocates a fresh UUID
// together with an empty shell record, and all subsequent writes are keyed,
// idempotent overwrites of that record's shared columns.
package remotestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/twinsync/twinsync/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// sharedColumns are the writable columns of the authority schema.
var sharedColumns = []string{
	"navn",
	"temakode",
	"temanavn",
	"kategori",
	"tilstand",
	"vejnavn",
	"husnr",
	"postnr",
	"beskrivelse",
}

// Store is a SQLite-backed authority registry.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the remote store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to remote store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Mint allocates a new canonical identifier and inserts an empty shell
// record for it. Each call allocates a fresh identifier; resumability
// across crashes is the caller's concern (the engine's pending-mint
// record).
func (s *Store) Mint(ctx context.Context) (string, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facilities (objekt_id, oprettet) VALUES (?, ?)
	`, id, s.now().UnixNano())
	if err != nil {
		return "", errors.WrapStore("remote", "mint identifier", "", err)
	}
	return id, nil
}

// ReadProjection returns the record's shared fields keyed by column name,
// or errors.ErrNotFound for an unknown identifier.
func (s *Store) ReadProjection(ctx context.Context, remoteID string) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT %s FROM facilities WHERE objekt_id = ?`,
		strings.Join(sharedColumns, ", "))

	values := make([]string, len(sharedColumns))
	dest := make([]any, len(sharedColumns))
	for i := range values {
		dest[i] = &values[i]
	}

	err := s.db.QueryRowContext(ctx, query, remoteID).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("remote record", remoteID)
	}
	if err != nil {
		return nil, errors.WrapStore("remote", "read projection", remoteID, err)
	}

	out := make(map[string]string, len(sharedColumns))
	for i, col := range sharedColumns {
		out[col] = values[i]
	}
	return out, nil
}

// WriteProjection overwrites the given shared columns of the record.
// Partial maps write only the named columns; the write is keyed and safe to
// repeat. A column the authority schema does not know is a schema mismatch,
// never a silent drop.
func (s *Store) WriteProjection(ctx context.Context, remoteID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, col := range sharedColumns {
		if v, ok := fields[col]; ok {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	if len(sets) != len(fields) {
		for col := range fields {
			if !isSharedColumn(col) {
				return &errors.SchemaMismatchError{
					Field:   col,
					Message: "column does not exist in the authority schema",
				}
			}
		}
	}
	args = append(args, remoteID)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE facilities SET %s WHERE objekt_id = ?`, strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return errors.WrapStore("remote", "write projection", remoteID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NewNotFoundError("remote record", remoteID)
	}
	return nil
}

func isSharedColumn(col string) bool {
	for _, c := range sharedColumns {
		if c == col {
			return true
		}
	}
	return false
}
