// Package sync implements the reconciliation engine between the locally
// authored master store and the remote authority store. The engine detects
// records changed since the last completed run, classifies each by link
// state, drives unlinked records through mint → backfill → full-push, and
// pushes column-level diffs for linked records. Every per-entity action is
// recorded in the audit ledger, and the change-detection watermark advances
// only when a run completes.
package sync

import (
	"time"
)

// Entity is one real-world object as represented in the local store,
// annotated with the engine-maintained sync timestamp.
type Entity struct {
	// LocalKey is the stable local primary key, assigned by the local
	// store. It never changes.
	LocalKey int64

	// RemoteID is the identifier minted by the remote store. Empty means
	// the entity is unlinked. Once set it is never reassigned; the remote
	// store is its source of truth.
	RemoteID string

	// Fields maps local column names to values. This is a superset of the
	// shared-field projection: local-only columns appear here too.
	Fields map[string]string

	// LastModified is maintained by the local store on any field write.
	LastModified time.Time

	// LastSynced is the time of the last successful push, maintained by
	// the engine in the ledger, not by the local store.
	LastSynced time.Time
}

// LinkState classifies an entity by the presence of a remote identifier.
type LinkState int

// Link states.
const (
	Unlinked LinkState = iota
	Linked
)

// String implements fmt.Stringer.
func (s LinkState) String() string {
	if s == Linked {
		return "linked"
	}
	return "unlinked"
}

// Classify determines an entity's link state. It is a pure read of the
// linkage field with no side effects; drift against the remote store is
// checked lazily by the coordinators.
func Classify(e Entity) LinkState {
	if e.RemoteID == "" {
		return Unlinked
	}
	return Linked
}

// RunRecord describes one reconciliation pass. It is owned solely by the
// engine and immutable once completed. A run's WatermarkAfter becomes the
// next run's WatermarkBefore only if CompletedAt is set: partial runs never
// advance the watermark.
type RunRecord struct {
	ID              string
	StartedAt       time.Time
	CompletedAt     time.Time // zero until the run succeeds
	WatermarkBefore time.Time
	WatermarkAfter  time.Time
}

// Completed reports whether the run finished successfully.
func (r RunRecord) Completed() bool {
	return !r.CompletedAt.IsZero()
}

// RetryRecord marks an entity whose last action failed. The watermark moves
// past a failed entity's modification time when the run completes, so the
// retry mark is what carries it into the next run's working set.
type RetryRecord struct {
	LocalKey  int64
	LastError string
	FailedAt  time.Time
}

// PendingMint is the durable record of a remote identifier that has been
// allocated but not yet confirmed in the local store. It is written after
// minting and before the backfill attempt, so a crash between the two never
// repeats the mint.
type PendingMint struct {
	LocalKey int64
	RemoteID string
	MintedAt time.Time

	// RunsSeen counts the runs that found this record still unresolved.
	// Past a configurable threshold the entity is surfaced for manual
	// repair instead of being retried.
	RunsSeen int
}
