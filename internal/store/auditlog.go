package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/twinsync/twinsync/pkg/audit"
)

// AppendAudit appends one audit entry. The single-writer connection pool
// serializes appends from concurrent workers.
func (l *Ledger) AppendAudit(ctx context.Context, entry audit.Entry) error {
	var fields any
	if len(entry.FieldsChanged) > 0 {
		fields = strings.Join(entry.FieldsChanged, ",")
	}

	var detail any
	if entry.ErrorDetail != "" {
		detail = entry.ErrorDetail
	}

	_, err := l.execContext(ctx, "append audit entry", `
		INSERT INTO audit_entries
		(run_id, local_key, action, fields_changed, outcome, error_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.RunID,
		entry.LocalKey,
		string(entry.Action),
		fields,
		string(entry.Outcome),
		detail,
		toNanos(entry.Timestamp),
	)
	return err
}

// QueryAudit returns audit entries matching the query, oldest first.
func (l *Ledger) QueryAudit(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	var where []string
	var args []any

	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.LocalKey != 0 {
		where = append(where, "local_key = ?")
		args = append(args, q.LocalKey)
	}
	if !q.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, toNanos(q.To))
	}

	query := "SELECT id, run_id, local_key, action, fields_changed, outcome, error_detail, created_at FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var fields, detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.LocalKey, &e.Action, &fields, &e.Outcome, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if fields.Valid && fields.String != "" {
			e.FieldsChanged = strings.Split(fields.String, ",")
		}
		if detail.Valid {
			e.ErrorDetail = detail.String
		}
		e.Timestamp = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit deletes audit entries outside the retention policy: entries
// older than the age bound, and entries belonging to runs older than the
// newest MaxRuns runs. Run records are never pruned here; they are cheap
// and keep the watermark history.
func (l *Ledger) PruneAudit(ctx context.Context, policy audit.RetentionPolicy, now time.Time) (int64, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	var conds []string
	var args []any

	if cutoff := policy.Cutoff(now); !cutoff.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, toNanos(cutoff))
	}
	if policy.MaxRuns > 0 {
		conds = append(conds, `run_id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		)`)
		args = append(args, policy.MaxRuns)
	}

	query := "DELETE FROM audit_entries WHERE " + strings.Join(conds, " OR ")
	res, err := l.execContext(ctx, "prune audit entries", query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
