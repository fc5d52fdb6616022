package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/pkg/audit"
	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/schema"
)

func newTestCreator(local LocalStore, remote RemoteStore, ledger Ledger) *Creator {
	return NewCreator(local, remote, ledger, schema.Default(), 0, DefaultStaleMintRuns, testClock(testBase))
}

func TestCreatorHappyPath(t *testing.T) {
	e := Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase}
	local := newFakeLocal(e)
	remote := newFakeRemote()
	ledger := newFakeLedger()

	c := newTestCreator(local, remote, ledger)
	runStart := testBase.Add(time.Minute)
	require.NoError(t, c.Create(context.Background(), e, "run-1", runStart))

	remoteID := local.remoteID(1)
	require.NotEmpty(t, remoteID)
	assert.Equal(t, 1, remote.mintCalls)
	assert.Equal(t, "A", remote.record(remoteID)["navn"])

	ls, err := ledger.LastSynced(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, runStart, ls)

	// The pending mint was cleared on success.
	_, err = ledger.PendingMint(context.Background(), 1)
	assert.True(t, errors.IsNotFound(err))
}

func TestCreatorCrashBeforeBackfillDoesNotMintTwice(t *testing.T) {
	e := Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase}
	local := newFakeLocal(e)
	local.linkageErr = errors.New("disk full")
	remote := newFakeRemote()
	ledger := newFakeLedger()

	c := newTestCreator(local, remote, ledger)
	err := c.Create(context.Background(), e, "run-1", testBase)
	require.Error(t, err)
	require.Equal(t, 1, remote.mintCalls)

	// The identifier survived the failed backfill.
	pm, err := ledger.PendingMint(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, pm.RemoteID)

	// Next run: the linkage write works. The pending identifier is
	// reused, so the remote store still has exactly one record.
	local.linkageErr = nil
	require.NoError(t, c.Create(context.Background(), e, "run-2", testBase.Add(time.Hour)))
	assert.Equal(t, 1, remote.mintCalls, "recovery must reuse the pending identifier")
	assert.Equal(t, pm.RemoteID, local.remoteID(1))

	_, err = ledger.PendingMint(context.Background(), 1)
	assert.True(t, errors.IsNotFound(err))
}

func TestCreatorStaleMintSurfacedForRepair(t *testing.T) {
	e := Entity{LocalKey: 5, Fields: testFields("A"), LastModified: testBase}
	local := newFakeLocal(e)
	remote := newFakeRemote()
	ledger := newFakeLedger()
	require.NoError(t, ledger.PutPendingMint(context.Background(), PendingMint{
		LocalKey: 5,
		RemoteID: "rid-stuck",
		MintedAt: testBase,
		RunsSeen: DefaultStaleMintRuns,
	}))

	c := newTestCreator(local, remote, ledger)
	err := c.Create(context.Background(), e, "run-9", testBase)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMintNotBackfilled))

	var stale *errors.MintNotBackfilledError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, "rid-stuck", stale.RemoteID)
	assert.Equal(t, DefaultStaleMintRuns+1, stale.Runs)

	// Nothing was minted and the record is kept for the operator.
	assert.Equal(t, 0, remote.mintCalls)
	_, err = ledger.PendingMint(context.Background(), 5)
	assert.NoError(t, err)
}

func TestCreatorMintFailureIsTransient(t *testing.T) {
	e := Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase}
	local := newFakeLocal(e)
	remote := newFakeRemote()
	remote.mintErr = errors.New("connection reset")
	ledger := newFakeLedger()

	c := newTestCreator(local, remote, ledger)
	err := c.Create(context.Background(), e, "run-1", testBase)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// No pending mint: the mint itself never succeeded.
	_, pmErr := ledger.PendingMint(context.Background(), 1)
	assert.True(t, errors.IsNotFound(pmErr))

	// The failure was audited.
	actions := ledger.auditActions(1)
	require.Len(t, actions, 1)
	assert.Equal(t, audit.ActionError, actions[0])
}

func TestCreatorPushFailureLeavesEntityRetryable(t *testing.T) {
	e := Entity{LocalKey: 1, Fields: testFields("A"), LastModified: testBase}
	local := newFakeLocal(e)
	remote := newFakeRemote()
	remote.writeErr = errors.New("remote busy")
	ledger := newFakeLedger()

	c := newTestCreator(local, remote, ledger)
	err := c.Create(context.Background(), e, "run-1", testBase)
	require.Error(t, err)

	// Mint and backfill landed; last_synced did not advance, so the next
	// run picks the entity up again and resumes at the push.
	assert.NotEmpty(t, local.remoteID(1))
	ls, lsErr := ledger.LastSynced(context.Background(), 1)
	require.NoError(t, lsErr)
	assert.True(t, ls.IsZero())
}
