package store

import (
	"context"
	"fmt"
	"time"

	"github.com/twinsync/twinsync/pkg/sync"
)

// MarkRetry records that the entity's last action failed. Re-marking an
// already marked entity keeps the newest error text.
func (l *Ledger) MarkRetry(ctx context.Context, localKey int64, detail string, at time.Time) error {
	_, err := l.execContext(ctx, "mark retry", `
		INSERT INTO retry_queue (local_key, last_error, failed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(local_key) DO UPDATE SET
			last_error = excluded.last_error,
			failed_at = excluded.failed_at
	`, localKey, detail, toNanos(at))
	return err
}

// ClearRetry removes the entity's retry mark. Clearing an absent mark is a
// no-op.
func (l *Ledger) ClearRetry(ctx context.Context, localKey int64) error {
	_, err := l.execContext(ctx, "clear retry", `
		DELETE FROM retry_queue WHERE local_key = ?
	`, localKey)
	return err
}

// Retries lists all entities awaiting a retry, oldest failure first.
func (l *Ledger) Retries(ctx context.Context) ([]sync.RetryRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT local_key, last_error, failed_at
		FROM retry_queue
		ORDER BY failed_at, local_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	defer rows.Close()

	var out []sync.RetryRecord
	for rows.Next() {
		var r sync.RetryRecord
		var failed int64
		if err := rows.Scan(&r.LocalKey, &r.LastError, &failed); err != nil {
			return nil, fmt.Errorf("scan retry record: %w", err)
		}
		r.FailedAt = fromNanos(failed)
		out = append(out, r)
	}
	return out, rows.Err()
}
