package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/twinsync/twinsync/pkg/audit"
	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/logging"
	"github.com/twinsync/twinsync/pkg/schema"
)

// Updater pushes changed shared fields of linked entities to the remote
// store. Updates are one-directional: the local store is the master for
// content, so the local value always wins for shared fields. The diff is
// computed column by column against the current remote projection and only
// differing columns are written, which leaves remote-only concurrent edits
// to unrelated columns alone and keeps the audit trail minimal.
type Updater struct {
	remote     RemoteStore
	ledger     Ledger
	projection *schema.Projection
	timeout    time.Duration
	now        func() time.Time
}

// NewUpdater creates an update coordinator.
func NewUpdater(remote RemoteStore, ledger Ledger, projection *schema.Projection, timeout time.Duration, now func() time.Time) *Updater {
	if now == nil {
		now = time.Now
	}
	return &Updater{
		remote:     remote,
		ledger:     ledger,
		projection: projection,
		timeout:    timeout,
		now:        now,
	}
}

// Update pushes one linked entity's changed shared fields and reports the
// recorded action: ActionUpdatePush when columns were written, ActionSkip
// when the diff was empty. An empty diff (typically a local-only column
// edit that still bumped last_modified) still advances last_synced so the
// entity is not re-examined every run.
func (u *Updater) Update(ctx context.Context, e Entity, runID string, runStart time.Time) (audit.Action, error) {
	ctx = logging.WithOperation(ctx, "update")
	log := logging.FromContext(ctx)

	remote, err := u.readProjection(ctx, e)
	if err != nil {
		u.fail(ctx, runID, e.LocalKey, "read", err)
		return audit.ActionError, err
	}

	local := u.projection.Project(e.Fields)
	diff := diffFields(local, remote)

	if len(diff) == 0 {
		u.record(ctx, runID, e.LocalKey, audit.ActionSkip, nil)
		if err := u.ledger.SetLastSynced(ctx, e.LocalKey, runStart); err != nil {
			return audit.ActionError, err
		}
		u.clearPendingMint(ctx, e.LocalKey)
		log.Debug().Int64("local_key", e.LocalKey).Msg("No shared-field changes")
		return audit.ActionSkip, nil
	}

	changed := make(map[string]string, len(diff))
	for _, col := range diff {
		changed[col] = local[col]
	}

	callCtx, cancel := u.callContext(ctx)
	err = u.remote.WriteProjection(callCtx, e.RemoteID, changed)
	cancel()
	if err != nil {
		err = mapRemoteErr("write projection", err)
		u.fail(ctx, runID, e.LocalKey, "push", err)
		return audit.ActionError, err
	}

	u.record(ctx, runID, e.LocalKey, audit.ActionUpdatePush, diff)
	if err := u.ledger.SetLastSynced(ctx, e.LocalKey, runStart); err != nil {
		return audit.ActionError, err
	}
	u.clearPendingMint(ctx, e.LocalKey)

	log.Info().
		Int64("local_key", e.LocalKey).
		Str("remote_id", e.RemoteID).
		Strs("fields", diff).
		Msg("Pushed changed fields")
	return audit.ActionUpdatePush, nil
}

// readProjection fetches the current remote projection, surfacing an
// unknown identifier as an orphan rather than re-creating the record.
func (u *Updater) readProjection(ctx context.Context, e Entity) (map[string]string, error) {
	callCtx, cancel := u.callContext(ctx)
	defer cancel()

	remote, err := u.remote.ReadProjection(callCtx, e.RemoteID)
	if err != nil {
		if errors.IsNotFound(err) {
			// Drift guard: the local store claims a linkage the remote
			// store does not know. Re-creating would duplicate remote
			// objects, so this goes to an operator instead.
			return nil, &errors.OrphanIdentifierError{LocalKey: e.LocalKey, RemoteID: e.RemoteID}
		}
		return nil, mapRemoteErr("read projection", err)
	}
	return remote, nil
}

// clearPendingMint removes a leftover pending-mint record for an entity
// that finished creation in an earlier, interrupted run.
func (u *Updater) clearPendingMint(ctx context.Context, localKey int64) {
	if err := u.ledger.DeletePendingMint(ctx, localKey); err != nil && !errors.IsNotFound(err) {
		logging.FromContext(ctx).Warn().Err(err).Int64("local_key", localKey).Msg("Failed to clear pending mint")
	}
}

// callContext derives a per-call timeout from the run context.
func (u *Updater) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, u.timeout)
}

// record appends a success audit entry.
func (u *Updater) record(ctx context.Context, runID string, localKey int64, action audit.Action, fields []string) {
	entry := audit.Entry{
		RunID:         runID,
		LocalKey:      localKey,
		Action:        action,
		FieldsChanged: fields,
		Outcome:       audit.OutcomeSuccess,
		Timestamp:     u.now(),
	}
	if err := u.ledger.AppendAudit(ctx, entry); err != nil {
		logging.FromContext(ctx).Error().Err(err).Int64("local_key", localKey).Msg("Failed to append audit entry")
	}
}

// fail appends a failure audit entry.
func (u *Updater) fail(ctx context.Context, runID string, localKey int64, step string, cause error) {
	entry := audit.Entry{
		RunID:       runID,
		LocalKey:    localKey,
		Action:      audit.ActionError,
		Outcome:     audit.OutcomeFailure,
		ErrorDetail: fmt.Sprintf("%s: %v", step, cause),
		Timestamp:   u.now(),
	}
	if err := u.ledger.AppendAudit(ctx, entry); err != nil {
		logging.FromContext(ctx).Error().Err(err).Int64("local_key", localKey).Msg("Failed to append audit entry")
	}
}

// diffFields returns the remote column names whose local value differs from
// the remote value, sorted. Columns absent from the remote projection count
// as changed.
func diffFields(local, remote map[string]string) []string {
	var diff []string
	for col, lv := range local {
		if rv, ok := remote[col]; !ok || rv != lv {
			diff = append(diff, col)
		}
	}
	sort.Strings(diff)
	return diff
}
