package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/pkg/audit"
	"github.com/twinsync/twinsync/pkg/errors"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock returns a deterministic clock that advances one second per call.
func testClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func testFields(navn string) map[string]string {
	return map[string]string{
		"navn":        navn,
		"temakode":    "5800",
		"kategori":    "Bålplads",
		"intern_note": "kun lokalt",
	}
}

func TestEngineBootstrapCreatesUnlinked(t *testing.T) {
	local := newFakeLocal(
		Entity{LocalKey: 1, Fields: testFields("Bålplads A"), LastModified: testBase},
		Entity{LocalKey: 2, Fields: testFields("Bålplads B"), LastModified: testBase},
	)
	remote := newFakeRemote()
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, ExitSuccess, result.ExitCode())
	assert.False(t, result.CompletedAt.IsZero())

	// Both entities are linked and their remote records carry the shared
	// fields but not the local-only column.
	for _, key := range []int64{1, 2} {
		remoteID := local.remoteID(key)
		require.NotEmpty(t, remoteID)
		rec := remote.record(remoteID)
		require.NotNil(t, rec)
		assert.Equal(t, "5800", rec["temakode"])
		assert.NotContains(t, rec, "intern_note")

		// One mint, one backfill, one full push, in that order.
		assert.Equal(t, []audit.Action{
			audit.ActionCreateMint,
			audit.ActionCreateBackfill,
			audit.ActionCreatePush,
		}, ledger.auditActions(key))
	}

	// The lease was released and no pending mints survive.
	assert.Empty(t, ledger.leaseHolder)
	pending, err := ledger.PendingMints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngineWatermarkAdvancesToRunStart(t *testing.T) {
	local := newFakeLocal(
		Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase},
	)
	remote := newFakeRemote()
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	// The watermark is the run's start time, not its completion time, so
	// records modified mid-run are re-detected next run.
	assert.Equal(t, result.StartedAt, result.WatermarkAfter)
	assert.True(t, result.CompletedAt.After(result.WatermarkAfter))

	wm, err := ledger.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.StartedAt, wm)
}

func TestEngineSecondRunSkipsUnchanged(t *testing.T) {
	local := newFakeLocal(
		Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase},
	)
	remote := newFakeRemote()
	ledger := newFakeLedger()
	clock := testClock(testBase)

	engine, err := New(local, remote, ledger, WithClock(clock))
	require.NoError(t, err)

	first, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	// Nothing changed locally, so the second run detects nothing at all.
	second, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Total())
	assert.Equal(t, ExitSuccess, second.ExitCode())
}

func TestEngineSkipsLinkedAlreadySynced(t *testing.T) {
	// Linked, modified before its last push, but still above the
	// watermark: classified as a skip, not an update.
	local := newFakeLocal(
		Entity{LocalKey: 7, RemoteID: "rid-x", Fields: testFields("A"), LastModified: testBase.Add(time.Minute)},
	)
	remote := newFakeRemote()
	remote.seed("rid-x", map[string]string{"navn": "A"})
	ledger := newFakeLedger()
	require.NoError(t, ledger.SetLastSynced(context.Background(), 7, testBase.Add(2*time.Minute)))

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, []audit.Action{audit.ActionSkip}, ledger.auditActions(7))
	// No remote write happened.
	assert.Empty(t, remote.writes)
}

func TestEngineSkipClearsLeftoverPendingMint(t *testing.T) {
	// An earlier run pushed the entity but crashed before deleting its
	// pending-mint record. When the watermark catches the entity again and
	// the skip path runs, the leftover record must go too, or it lingers
	// in every status report.
	local := newFakeLocal(
		Entity{LocalKey: 7, RemoteID: "rid-x", Fields: testFields("A"), LastModified: testBase.Add(time.Minute)},
	)
	remote := newFakeRemote()
	remote.seed("rid-x", map[string]string{"navn": "A"})
	ledger := newFakeLedger()
	require.NoError(t, ledger.SetLastSynced(context.Background(), 7, testBase.Add(2*time.Minute)))
	require.NoError(t, ledger.PutPendingMint(context.Background(), PendingMint{LocalKey: 7, RemoteID: "rid-x"}))

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	pms, err := ledger.PendingMints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pms)
}

func TestEngineUpdatePushesOnlyChangedColumns(t *testing.T) {
	fields := testFields("Nyt navn")
	fields["tilstand"] = "Slidt"
	local := newFakeLocal(
		Entity{LocalKey: 3, RemoteID: "rid-a", Fields: fields, LastModified: testBase.Add(time.Hour)},
	)
	remote := newFakeRemote()
	remote.seed("rid-a", map[string]string{
		"navn":     "Gammelt navn",
		"temakode": "5800",
		"kategori": "Bålplads",
		"tilstand": "God",
	})
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	require.Len(t, remote.writes, 1)
	// Only the differing columns were written; unchanged ones stay
	// untouched by the push.
	assert.Equal(t, map[string]string{"navn": "Nyt navn", "tilstand": "Slidt"}, remote.writes[0])
	assert.Equal(t, "Nyt navn", remote.record("rid-a")["navn"])
}

func TestEngineSiblingFailureDoesNotBlockRun(t *testing.T) {
	// Entity 2 is linked to an identifier the remote store does not know:
	// it fails as an orphan while entity 1 is created normally.
	local := newFakeLocal(
		Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase},
		Entity{LocalKey: 2, RemoteID: "rid-gone", Fields: testFields("B"), LastModified: testBase},
	)
	remote := newFakeRemote()
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, ExitPartial, result.ExitCode())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(2), result.Errors[0].LocalKey)
	assert.True(t, errors.IsOrphanIdentifier(result.Errors[0].Err))

	// The run still completed, so the watermark advanced and the failed
	// entity will be retried next run.
	assert.False(t, result.CompletedAt.IsZero())
	wm, err := ledger.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.StartedAt, wm)

	// The orphan's last_synced was not advanced, and it carries a retry
	// mark into the next run.
	ls, err := ledger.LastSynced(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ls.IsZero())
	retries, err := ledger.Retries(context.Background())
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, int64(2), retries[0].LocalKey)
}

func TestEngineFailuresDoNotBlockRemainingSiblings(t *testing.T) {
	// Five changed entities; the fourth fails. The other four are
	// processed in the same run and the watermark still advances.
	var entities []Entity
	for i := int64(1); i <= 5; i++ {
		e := Entity{LocalKey: i, Fields: testFields("X"), LastModified: testBase}
		if i == 4 {
			e.RemoteID = "rid-gone" // orphan: fails in the updater
		}
		entities = append(entities, e)
	}
	local := newFakeLocal(entities...)
	remote := newFakeRemote()
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)), WithWorkers(1))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 5, result.Total())
	assert.Equal(t, ExitPartial, result.ExitCode())
	assert.False(t, result.CompletedAt.IsZero())
	assert.Equal(t, result.StartedAt, result.WatermarkAfter)
}

func TestEngineRetriesFailedEntityNextRun(t *testing.T) {
	// Entity 2's linkage points at a record the remote store lost. After
	// an operator restores the remote record, the next run retries the
	// entity even though the watermark has moved past its modification
	// time.
	local := newFakeLocal(
		Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase},
		Entity{LocalKey: 2, RemoteID: "rid-gone", Fields: testFields("B"), LastModified: testBase},
	)
	remote := newFakeRemote()
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	first, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Failed)

	remote.seed("rid-gone", map[string]string{"navn": ""})

	second, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, ExitSuccess, second.ExitCode())

	// The retry mark is cleared, so the third run has nothing to do.
	retries, err := ledger.Retries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, retries)

	third, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Total())
}

func TestEngineLeaseContentionFailsFast(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	ledger := newFakeLedger()
	ledger.leaseHolder = "other-run"

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRunActive(err))
	assert.True(t, result.Fatal)
	assert.Equal(t, ExitFatal, result.ExitCode())

	// No run record was opened.
	runs, err := ledger.Runs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngineLocalStoreDownAborts(t *testing.T) {
	local := newFakeLocal()
	local.listErr = errors.New("database is locked")
	remote := newFakeRemote()
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger, WithClock(testClock(testBase)))
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, result.Fatal)

	// The lease was released despite the abort.
	assert.Empty(t, ledger.leaseHolder)

	wm, err := ledger.Watermark(context.Background())
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}

func TestEngineAbortsAfterConsecutiveTransientFailures(t *testing.T) {
	var entities []Entity
	for i := int64(1); i <= 6; i++ {
		entities = append(entities, Entity{LocalKey: i, Fields: testFields("X"), LastModified: testBase})
	}
	local := newFakeLocal(entities...)
	remote := newFakeRemote()
	remote.mintErr = errors.New("connection refused")
	ledger := newFakeLedger()

	engine, err := New(local, remote, ledger,
		WithClock(testClock(testBase)),
		WithWorkers(1),
		WithAbortThreshold(3),
	)
	require.NoError(t, err)

	result, err := engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, result.Fatal)
	assert.Equal(t, ExitFatal, result.ExitCode())
	assert.GreaterOrEqual(t, result.Failed, 3)
	// The remote store is down, not flaky: the run stopped before
	// grinding through every entity.
	assert.Less(t, remote.mintCalls, 6)

	wm, err := ledger.Watermark(context.Background())
	require.NoError(t, err)
	assert.True(t, wm.IsZero(), "watermark must not advance on abort")
}

func TestEngineFullLifecycleAuditTrail(t *testing.T) {
	// One record through its whole life: created in run 1, updated in
	// run 2, skipped in run 3 after a local-only edit.
	e := Entity{LocalKey: 42, Fields: testFields("Shelter Nord"), LastModified: testBase}
	local := newFakeLocal(e)
	remote := newFakeRemote()
	ledger := newFakeLedger()
	clock := testClock(testBase)

	engine, err := New(local, remote, ledger, WithClock(clock))
	require.NoError(t, err)

	first, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	// Staff rename: shared field changes after run 1's watermark.
	local.mu.Lock()
	ent := local.entities[42]
	ent.Fields["navn"] = "Shelter Nordskoven"
	ent.LastModified = first.WatermarkAfter.Add(time.Minute)
	local.entities[42] = ent
	local.mu.Unlock()

	second, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, second.Updated)

	// Internal note edit: bumps last_modified but changes no shared field.
	local.mu.Lock()
	ent = local.entities[42]
	ent.Fields["intern_note"] = "tjekket"
	ent.LastModified = second.WatermarkAfter.Add(time.Minute)
	local.entities[42] = ent
	local.mu.Unlock()

	third, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, third.Skipped)

	assert.Equal(t, []audit.Action{
		audit.ActionCreateMint,
		audit.ActionCreateBackfill,
		audit.ActionCreatePush,
		audit.ActionUpdatePush,
		audit.ActionSkip,
	}, ledger.auditActions(42))

	// The empty-diff skip still advanced last_synced to run 3's start.
	ls, err := ledger.LastSynced(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, third.StartedAt, ls)
}

func TestEngineOptionValidation(t *testing.T) {
	local := newFakeLocal()
	remote := newFakeRemote()
	ledger := newFakeLedger()

	_, err := New(local, remote, ledger, WithWorkers(0))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = New(local, remote, ledger, WithRemoteTimeout(-time.Second))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = New(local, remote, ledger, WithProjection(nil))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
