package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/logging"
	"github.com/twinsync/twinsync/pkg/sync"
)

// AcquireLease takes the exclusive run lease. A second caller fails fast
// with errors.ErrRunActive while the lease row exists, unless the lease is
// older than the stale-lease age: a crashed run never reaches its release,
// so a sufficiently old lease is treated as abandoned and taken over.
func (l *Ledger) AcquireLease(ctx context.Context, runID string, at time.Time) error {
	res, err := l.execContext(ctx, "acquire lease", `
		INSERT INTO run_lease (id, run_id, acquired_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, runID, toNanos(at))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if n == 0 {
		var heldBy string
		var acquiredAt int64
		err := l.db.QueryRowContext(ctx, `SELECT run_id, acquired_at FROM run_lease WHERE id = 1`).
			Scan(&heldBy, &acquiredAt)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}

		heldSince := fromNanos(acquiredAt)
		if l.staleLeaseAge > 0 && at.Sub(heldSince) >= l.staleLeaseAge {
			return l.takeOverLease(ctx, runID, at, heldBy, acquiredAt)
		}
		return &errors.RunActiveError{HeldBy: heldBy, HeldSince: heldSince}
	}

	return nil
}

// takeOverLease replaces an abandoned lease. The guard on the previous
// holder keeps two concurrent takeovers from both succeeding.
func (l *Ledger) takeOverLease(ctx context.Context, runID string, at time.Time, heldBy string, acquiredAt int64) error {
	res, err := l.execContext(ctx, "take over lease", `
		UPDATE run_lease
		SET run_id = ?, acquired_at = ?
		WHERE id = 1 AND run_id = ? AND acquired_at = ?
	`, runID, toNanos(at), heldBy, acquiredAt)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("take over lease: %w", err)
	}
	if n == 0 {
		// Another run got there first.
		return &errors.RunActiveError{HeldBy: heldBy, HeldSince: fromNanos(acquiredAt)}
	}

	logging.FromContext(ctx).Warn().
		Str("stale_run", heldBy).
		Time("held_since", fromNanos(acquiredAt)).
		Msg("Took over stale run lease")
	return nil
}

// ReleaseLease releases the lease if held by runID. Releasing a lease that
// is not held is a no-op.
func (l *Ledger) ReleaseLease(ctx context.Context, runID string) error {
	_, err := l.execContext(ctx, "release lease", `
		DELETE FROM run_lease WHERE id = 1 AND run_id = ?
	`, runID)
	return err
}

// BeginRun opens a run record.
func (l *Ledger) BeginRun(ctx context.Context, rec sync.RunRecord) error {
	_, err := l.execContext(ctx, "begin run", `
		INSERT INTO runs (id, started_at, completed_at, watermark_before, watermark_after)
		VALUES (?, ?, NULL, ?, NULL)
	`, rec.ID, toNanos(rec.StartedAt), toNanos(rec.WatermarkBefore))
	return err
}

// CompleteRun closes a run record. Once completed a run is immutable; the
// guard on completed_at keeps a replayed call from rewriting history.
func (l *Ledger) CompleteRun(ctx context.Context, runID string, completedAt, watermarkAfter time.Time) error {
	res, err := l.execContext(ctx, "complete run", `
		UPDATE runs
		SET completed_at = ?, watermark_after = ?
		WHERE id = ? AND completed_at IS NULL
	`, toNanos(completedAt), toNanos(watermarkAfter), runID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError("open run", runID)
	}
	return nil
}

// Watermark returns the watermark of the most recent completed run, or the
// zero time if no run has ever completed (the bootstrap path).
func (l *Ledger) Watermark(ctx context.Context) (time.Time, error) {
	var nanos sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(watermark_after) FROM runs WHERE completed_at IS NOT NULL
	`).Scan(&nanos)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if !nanos.Valid {
		return time.Time{}, nil
	}
	return fromNanos(nanos.Int64), nil
}

// Runs returns the most recent run records, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]sync.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, watermark_before, watermark_after
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []sync.RunRecord
	for rows.Next() {
		var rec sync.RunRecord
		var started int64
		var completed, wmAfter sql.NullInt64
		var wmBefore int64
		if err := rows.Scan(&rec.ID, &started, &completed, &wmBefore, &wmAfter); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = fromNanos(started)
		rec.WatermarkBefore = fromNanos(wmBefore)
		if completed.Valid {
			rec.CompletedAt = fromNanos(completed.Int64)
		}
		if wmAfter.Valid {
			rec.WatermarkAfter = fromNanos(wmAfter.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSynced returns the entity's engine-maintained sync timestamp, or the
// zero time if it has never been pushed.
func (l *Ledger) LastSynced(ctx context.Context, localKey int64) (time.Time, error) {
	var nanos int64
	err := l.db.QueryRowContext(ctx, `
		SELECT last_synced FROM entity_sync WHERE local_key = ?
	`, localKey).Scan(&nanos)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last_synced for %d: %w", localKey, err)
	}
	return fromNanos(nanos), nil
}

// SetLastSynced advances the entity's sync timestamp.
func (l *Ledger) SetLastSynced(ctx context.Context, localKey int64, t time.Time) error {
	_, err := l.execContext(ctx, "set last_synced", `
		INSERT INTO entity_sync (local_key, last_synced)
		VALUES (?, ?)
		ON CONFLICT(local_key) DO UPDATE SET last_synced = excluded.last_synced
	`, localKey, toNanos(t))
	return err
}
