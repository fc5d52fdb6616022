package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/twinsync/twinsync/pkg/audit"
	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/logging"
	"github.com/twinsync/twinsync/pkg/schema"
)

// Creator drives an unlinked entity through the creation state machine:
// mint a remote identifier, backfill it into the local linkage field, then
// push the full shared-field projection.
//
// Minting is the only non-idempotent remote operation, so the allocated
// identifier is durably recorded as a pending mint before the backfill is
// attempted. A crash at any point leaves a record the next run can resume
// from without minting twice. Backfill must complete before any further
// remote write: it is the recovery point for the whole sequence.
type Creator struct {
	local         LocalStore
	remote        RemoteStore
	ledger        Ledger
	projection    *schema.Projection
	timeout       time.Duration
	staleMintRuns int
	now           func() time.Time
}

// NewCreator creates a creation coordinator.
func NewCreator(local LocalStore, remote RemoteStore, ledger Ledger, projection *schema.Projection, timeout time.Duration, staleMintRuns int, now func() time.Time) *Creator {
	if now == nil {
		now = time.Now
	}
	return &Creator{
		local:         local,
		remote:        remote,
		ledger:        ledger,
		projection:    projection,
		timeout:       timeout,
		staleMintRuns: staleMintRuns,
		now:           now,
	}
}

// Create runs one unlinked entity to the Pushed terminal state. On any step
// failure it records an error audit entry and returns the error; the
// entity's last_synced is left untouched so the next run retries it.
func (c *Creator) Create(ctx context.Context, e Entity, runID string, runStart time.Time) error {
	ctx = logging.WithOperation(ctx, "create")
	log := logging.FromContext(ctx)

	remoteID, minted, err := c.ensureMinted(ctx, e, runID)
	if err != nil {
		return err
	}
	if minted {
		c.record(ctx, runID, e.LocalKey, audit.ActionCreateMint, nil, "")
		log.Info().Int64("local_key", e.LocalKey).Str("remote_id", remoteID).Msg("Minted remote identifier")
	}

	if err := c.local.WriteLinkage(ctx, e.LocalKey, remoteID); err != nil {
		c.fail(ctx, runID, e.LocalKey, "backfill", err)
		return errors.WrapStore("local", "backfill linkage", fmt.Sprint(e.LocalKey), err)
	}
	c.record(ctx, runID, e.LocalKey, audit.ActionCreateBackfill, nil, "")

	fields := c.projection.Project(e.Fields)
	if err := c.writeProjection(ctx, remoteID, fields); err != nil {
		c.fail(ctx, runID, e.LocalKey, "push", err)
		return err
	}
	c.record(ctx, runID, e.LocalKey, audit.ActionCreatePush, nil, "")

	if err := c.ledger.SetLastSynced(ctx, e.LocalKey, runStart); err != nil {
		c.fail(ctx, runID, e.LocalKey, "commit", err)
		return err
	}
	if err := c.ledger.DeletePendingMint(ctx, e.LocalKey); err != nil {
		// The entity is fully pushed; a leftover pending-mint record will
		// be cleared on the next run.
		log.Warn().Err(err).Int64("local_key", e.LocalKey).Msg("Failed to clear pending mint")
	}

	log.Info().Int64("local_key", e.LocalKey).Str("remote_id", remoteID).Msg("Created remote record")
	return nil
}

// ensureMinted returns the entity's remote identifier, minting one if no
// pending mint exists. The bool reports whether a mint happened in this
// call.
func (c *Creator) ensureMinted(ctx context.Context, e Entity, runID string) (string, bool, error) {
	pm, err := c.ledger.PendingMint(ctx, e.LocalKey)
	switch {
	case err == nil:
		// A previous run minted but never finished. Reuse the identifier
		// rather than minting again.
		runs, bumpErr := c.ledger.BumpPendingMint(ctx, e.LocalKey)
		if bumpErr != nil {
			return "", false, bumpErr
		}
		if c.staleMintRuns > 0 && runs > c.staleMintRuns {
			staleErr := &errors.MintNotBackfilledError{
				LocalKey: e.LocalKey,
				RemoteID: pm.RemoteID,
				Runs:     runs,
			}
			c.fail(ctx, runID, e.LocalKey, "mint", staleErr)
			return "", false, staleErr
		}
		logging.FromContext(ctx).Debug().
			Int64("local_key", e.LocalKey).
			Str("remote_id", pm.RemoteID).
			Int("runs_seen", runs).
			Msg("Resuming pending mint")
		return pm.RemoteID, false, nil

	case errors.IsNotFound(err):
		// No record of a prior mint; allocate a fresh identifier.
	default:
		return "", false, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	remoteID, err := c.remote.Mint(callCtx)
	if err != nil {
		err = mapRemoteErr("mint", err)
		c.fail(ctx, runID, e.LocalKey, "mint", err)
		return "", false, err
	}

	// Durable before the backfill attempt. If we crash past this point the
	// next run resumes with the same identifier.
	pm = PendingMint{LocalKey: e.LocalKey, RemoteID: remoteID, MintedAt: c.now()}
	if err := c.ledger.PutPendingMint(ctx, pm); err != nil {
		c.fail(ctx, runID, e.LocalKey, "mint", err)
		return "", false, err
	}

	return remoteID, true, nil
}

// writeProjection pushes fields to the remote store under a per-call
// timeout.
func (c *Creator) writeProjection(ctx context.Context, remoteID string, fields map[string]string) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.remote.WriteProjection(callCtx, remoteID, fields); err != nil {
		return mapRemoteErr("write projection", err)
	}
	return nil
}

// callContext derives a per-call timeout from the run context.
func (c *Creator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// record appends a success audit entry.
func (c *Creator) record(ctx context.Context, runID string, localKey int64, action audit.Action, fields []string, detail string) {
	entry := audit.Entry{
		RunID:         runID,
		LocalKey:      localKey,
		Action:        action,
		FieldsChanged: fields,
		Outcome:       audit.OutcomeSuccess,
		ErrorDetail:   detail,
		Timestamp:     c.now(),
	}
	if err := c.ledger.AppendAudit(ctx, entry); err != nil {
		logging.FromContext(ctx).Error().Err(err).Int64("local_key", localKey).Msg("Failed to append audit entry")
	}
}

// fail appends a failure audit entry with enough context to debug without
// re-running: local key, step, and the remote error text.
func (c *Creator) fail(ctx context.Context, runID string, localKey int64, step string, cause error) {
	entry := audit.Entry{
		RunID:       runID,
		LocalKey:    localKey,
		Action:      audit.ActionError,
		Outcome:     audit.OutcomeFailure,
		ErrorDetail: fmt.Sprintf("%s: %v", step, cause),
		Timestamp:   c.now(),
	}
	if err := c.ledger.AppendAudit(ctx, entry); err != nil {
		logging.FromContext(ctx).Error().Err(err).Int64("local_key", localKey).Msg("Failed to append audit entry")
	}
}

// mapRemoteErr classifies a remote call error. Deadline and cancellation
// become timeouts, which retry next run; everything else that is not
// already typed becomes a transient remote failure.
func mapRemoteErr(operation string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &errors.TimeoutError{Operation: operation}
	case errors.IsSchemaMismatch(err), errors.IsOrphanIdentifier(err), errors.IsNotFound(err):
		return err
	default:
		return errors.WrapTransient("remote", operation, err)
	}
}
