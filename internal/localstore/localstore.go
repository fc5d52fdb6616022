// Package localstore implements the local store adapter over a SQLite
// facility registry. This is the locally authored master: staff create and
// edit facility records here, and the sync engine reads changes and writes
// back minted remote identifiers into the objekt_id linkage column.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/sync"
)

//go:embed schema.sql
var schemaSQL string

// fieldColumns are the authorable columns, in schema order. objekt_id is
// the linkage column and is managed by the engine, not authored.
var fieldColumns = []string{
	"navn",
	"temakode",
	"temanavn",
	"kategori",
	"tilstand",
	"vejnavn",
	"husnr",
	"postnr",
	"beskrivelse",
	"intern_note",
	"ansvarlig_afdeling",
}

// Store is a SQLite-backed local facility registry.
type Store struct {
	db *sql.DB
}

// Open creates or opens the local store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to local store: %w", err)
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

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListChanged returns entities modified strictly after since. A zero since
// returns every entity.
func (s *Store) ListChanged(ctx context.Context, since time.Time) ([]sync.Entity, error) {
	rows, err := s.db.QueryContext(ctx, selectClause+`
		WHERE sidst_redigeret > ?
		ORDER BY fid
	`, nanos(since))
	if err != nil {
		return nil, errors.WrapStore("local", "list changed", "", err)
	}
	defer rows.Close()

	var out []sync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Read returns a single entity by local key.
func (s *Store) Read(ctx context.Context, localKey int64) (sync.Entity, error) {
	row := s.db.QueryRowContext(ctx, selectClause+` WHERE fid = ?`, localKey)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return sync.Entity{}, errors.NewNotFoundError("facility", fmt.Sprint(localKey))
	}
	if err != nil {
		return sync.Entity{}, errors.WrapStore("local", "read", fmt.Sprint(localKey), err)
	}
	return e, nil
}

// WriteLinkage records the minted remote identifier. A remote identifier is
// set exactly once: re-writing the same value is a no-op, but overwriting a
// different existing linkage is rejected.
func (s *Store) WriteLinkage(ctx context.Context, localKey int64, remoteID string) error {
	if remoteID == "" {
		return &errors.ValidationError{Field: "remote_id", Message: "cannot be empty"}
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT objekt_id FROM facilities WHERE fid = ?`, localKey).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("facility", fmt.Sprint(localKey))
	}
	if err != nil {
		return errors.WrapStore("local", "read linkage", fmt.Sprint(localKey), err)
	}

	if current == remoteID {
		return nil
	}
	if current != "" {
		return &errors.ValidationError{
			Field:   "objekt_id",
			Value:   remoteID,
			Message: fmt.Sprintf("facility %d is already linked to %s", localKey, current),
		}
	}

	// Backfilling the linkage is engine bookkeeping, so it deliberately
	// does not touch sidst_redigeret; a staff edit timestamp only moves on
	// staff edits.
	_, err = s.db.ExecContext(ctx, `
		UPDATE facilities SET objekt_id = ? WHERE fid = ?
	`, remoteID, localKey)
	if err != nil {
		return errors.WrapStore("local", "write linkage", fmt.Sprint(localKey), err)
	}
	return nil
}

// Create inserts a new facility record with the given fields and returns
// its local key. Unknown columns are rejected.
func (s *Store) Create(ctx context.Context, fields map[string]string, now time.Time) (int64, error) {
	for col := range fields {
		if !isFieldColumn(col) {
			return 0, &errors.ValidationError{Field: col, Message: "unknown facility column"}
		}
	}

	cols := "oprettet, sidst_redigeret"
	placeholders := "?, ?"
	args := []any{nanos(now), nanos(now)}
	for _, col := range fieldColumns {
		if v, ok := fields[col]; ok {
			cols += ", " + col
			placeholders += ", ?"
			args = append(args, v)
		}
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO facilities (%s) VALUES (%s)`, cols, placeholders), args...)
	if err != nil {
		return 0, errors.WrapStore("local", "create facility", "", err)
	}
	return res.LastInsertId()
}

// SetField writes one authorable column and bumps the edit timestamp, the
// way a staff edit would.
func (s *Store) SetField(ctx context.Context, localKey int64, column, value string, now time.Time) error {
	if !isFieldColumn(column) {
		return &errors.ValidationError{Field: column, Message: "unknown facility column"}
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE facilities SET %s = ?, sidst_redigeret = ? WHERE fid = ?`, column),
		value, nanos(now), localKey)
	if err != nil {
		return errors.WrapStore("local", "update facility", fmt.Sprint(localKey), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NewNotFoundError("facility", fmt.Sprint(localKey))
	}
	return nil
}

const selectClause = `
	SELECT fid, objekt_id, navn, temakode, temanavn, kategori, tilstand,
	       vejnavn, husnr, postnr, beskrivelse, intern_note,
	       ansvarlig_afdeling, sidst_redigeret
	FROM facilities`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (sync.Entity, error) {
	var e sync.Entity
	var modified int64
	values := make([]string, len(fieldColumns))

	dest := []any{&e.LocalKey, &e.RemoteID}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &modified)

	if err := row.Scan(dest...); err != nil {
		return sync.Entity{}, err
	}

	e.Fields = make(map[string]string, len(fieldColumns))
	for i, col := range fieldColumns {
		e.Fields[col] = values[i]
	}
	e.LastModified = time.Unix(0, modified).UTC()
	return e, nil
}

func isFieldColumn(col string) bool {
	for _, c := range fieldColumns {
		if c == col {
			return true
		}
	}
	return false
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
