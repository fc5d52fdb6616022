package sync

import (
	"context"
	"time"

	"github.com/twinsync/twinsync/pkg/audit"
)

// LocalStore is the adapter over the locally authored master store.
// Implementations are expected to be safe for concurrent use within a run.
type LocalStore interface {
	// ListChanged returns entities whose last_modified is strictly after
	// since. A zero since is the bootstrap path and returns every entity.
	ListChanged(ctx context.Context, since time.Time) ([]Entity, error)

	// Read returns a single entity by local key.
	Read(ctx context.Context, localKey int64) (Entity, error)

	// WriteLinkage records the minted remote identifier on the entity.
	// Implementations must reject overwriting an existing, different
	// linkage: remote identifiers are set exactly once.
	WriteLinkage(ctx context.Context, localKey int64, remoteID string) error
}

// RemoteStore is the adapter over the remote authority store.
type RemoteStore interface {
	// Mint allocates a new canonical identifier together with an empty
	// shell record. This is the only non-idempotent remote operation; the
	// engine isolates it behind a durable pending-mint record.
	Mint(ctx context.Context) (string, error)

	// ReadProjection returns the remote record's shared fields, keyed by
	// remote column name. Returns errors.ErrNotFound for an unknown
	// identifier.
	ReadProjection(ctx context.Context, remoteID string) (map[string]string, error)

	// WriteProjection overwrites the given shared fields on the remote
	// record. Partial maps write only the named columns. The write is
	// keyed and idempotent.
	WriteProjection(ctx context.Context, remoteID string, fields map[string]string) error
}

// Ledger is the engine's durable state: run records and the watermark,
// per-entity sync timestamps, pending mints, the run lease, and the audit
// trail. A single implementation backs all of it so a run's bookkeeping
// lives in one place.
type Ledger interface {
	// AcquireLease takes the exclusive run lease or fails fast with
	// errors.ErrRunActive.
	AcquireLease(ctx context.Context, runID string, at time.Time) error

	// ReleaseLease releases the lease if held by runID.
	ReleaseLease(ctx context.Context, runID string) error

	// BeginRun opens a run record.
	BeginRun(ctx context.Context, rec RunRecord) error

	// CompleteRun closes a run record and thereby advances the watermark.
	CompleteRun(ctx context.Context, runID string, completedAt, watermarkAfter time.Time) error

	// Watermark returns the watermark of the most recent completed run,
	// or the zero time if no run has completed.
	Watermark(ctx context.Context) (time.Time, error)

	// Runs returns the most recent run records, newest first.
	Runs(ctx context.Context, limit int) ([]RunRecord, error)

	// LastSynced returns the entity's engine-maintained sync timestamp,
	// or the zero time if it has never been pushed.
	LastSynced(ctx context.Context, localKey int64) (time.Time, error)

	// SetLastSynced advances the entity's sync timestamp.
	SetLastSynced(ctx context.Context, localKey int64, t time.Time) error

	// PendingMint returns the pending-mint record for an entity, or
	// errors.ErrNotFound.
	PendingMint(ctx context.Context, localKey int64) (PendingMint, error)

	// PutPendingMint durably records an allocated identifier before the
	// backfill attempt.
	PutPendingMint(ctx context.Context, pm PendingMint) error

	// BumpPendingMint increments and returns the record's run counter.
	BumpPendingMint(ctx context.Context, localKey int64) (int, error)

	// DeletePendingMint removes the record once the entity is fully
	// pushed.
	DeletePendingMint(ctx context.Context, localKey int64) error

	// PendingMints lists all unresolved pending-mint records.
	PendingMints(ctx context.Context) ([]PendingMint, error)

	// MarkRetry records that the entity's last action failed, so the next
	// run re-examines it even though the watermark has moved past it.
	MarkRetry(ctx context.Context, localKey int64, detail string, at time.Time) error

	// ClearRetry removes the entity's retry mark.
	ClearRetry(ctx context.Context, localKey int64) error

	// Retries lists all entities awaiting a retry.
	Retries(ctx context.Context) ([]RetryRecord, error)

	// AppendAudit appends one audit entry. Appends are serialized by the
	// implementation.
	AppendAudit(ctx context.Context, entry audit.Entry) error
}
