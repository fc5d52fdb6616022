package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/sync"
)

// PendingMint returns the pending-mint record for an entity, or
// errors.ErrNotFound.
func (l *Ledger) PendingMint(ctx context.Context, localKey int64) (sync.PendingMint, error) {
	var pm sync.PendingMint
	var minted int64
	err := l.db.QueryRowContext(ctx, `
		SELECT local_key, remote_id, minted_at, runs_seen
		FROM pending_mints WHERE local_key = ?
	`, localKey).Scan(&pm.LocalKey, &pm.RemoteID, &minted, &pm.RunsSeen)
	if err == sql.ErrNoRows {
		return sync.PendingMint{}, errors.NewNotFoundError("pending mint", fmt.Sprint(localKey))
	}
	if err != nil {
		return sync.PendingMint{}, fmt.Errorf("read pending mint for %d: %w", localKey, err)
	}
	pm.MintedAt = fromNanos(minted)
	return pm, nil
}

// PutPendingMint durably records an allocated remote identifier. Writing
// the same record twice is a no-op; the identifier for a key never changes
// once recorded.
func (l *Ledger) PutPendingMint(ctx context.Context, pm sync.PendingMint) error {
	_, err := l.execContext(ctx, "put pending mint", `
		INSERT INTO pending_mints (local_key, remote_id, minted_at, runs_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(local_key) DO NOTHING
	`, pm.LocalKey, pm.RemoteID, toNanos(pm.MintedAt), pm.RunsSeen)
	return err
}

// BumpPendingMint increments and returns the record's run counter.
func (l *Ledger) BumpPendingMint(ctx context.Context, localKey int64) (int, error) {
	var runs int
	err := l.db.QueryRowContext(ctx, `
		UPDATE pending_mints SET runs_seen = runs_seen + 1
		WHERE local_key = ?
		RETURNING runs_seen
	`, localKey).Scan(&runs)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFoundError("pending mint", fmt.Sprint(localKey))
	}
	if err != nil {
		return 0, fmt.Errorf("bump pending mint for %d: %w", localKey, err)
	}
	return runs, nil
}

// DeletePendingMint removes the record once the entity is fully pushed.
// Deleting an absent record is a no-op.
func (l *Ledger) DeletePendingMint(ctx context.Context, localKey int64) error {
	_, err := l.execContext(ctx, "delete pending mint", `
		DELETE FROM pending_mints WHERE local_key = ?
	`, localKey)
	return err
}

// PendingMints lists all unresolved pending-mint records, oldest first.
func (l *Ledger) PendingMints(ctx context.Context) ([]sync.PendingMint, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT local_key, remote_id, minted_at, runs_seen
		FROM pending_mints
		ORDER BY minted_at, local_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending mints: %w", err)
	}
	defer rows.Close()

	var out []sync.PendingMint
	for rows.Next() {
		var pm sync.PendingMint
		var minted int64
		if err := rows.Scan(&pm.LocalKey, &pm.RemoteID, &minted, &pm.RunsSeen); err != nil {
			return nil, fmt.Errorf("scan pending mint: %w", err)
		}
		pm.MintedAt = fromNanos(minted)
		out = append(out, pm)
	}
	return out, rows.Err()
}
