package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/twinsync/twinsync/pkg/audit"
	"github.com/twinsync/twinsync/pkg/errors"
)

// fakeLocal is an in-memory LocalStore.
type fakeLocal struct {
	mu       stdsync.Mutex
	entities map[int64]Entity

	listErr    error
	linkageErr error
}

func newFakeLocal(entities ...Entity) *fakeLocal {
	f := &fakeLocal{entities: make(map[int64]Entity)}
	for _, e := range entities {
		f.entities[e.LocalKey] = e
	}
	return f
}

func (f *fakeLocal) ListChanged(_ context.Context, since time.Time) ([]Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Entity
	for _, e := range f.entities {
		if e.LastModified.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLocal) Read(_ context.Context, localKey int64) (Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[localKey]
	if !ok {
		return Entity{}, errors.NewNotFoundError("entity", fmt.Sprint(localKey))
	}
	return e, nil
}

func (f *fakeLocal) WriteLinkage(_ context.Context, localKey int64, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkageErr != nil {
		return f.linkageErr
	}
	e, ok := f.entities[localKey]
	if !ok {
		return errors.NewNotFoundError("entity", fmt.Sprint(localKey))
	}
	if e.RemoteID != "" && e.RemoteID != remoteID {
		return &errors.ValidationError{Field: "remote_id", Message: "already linked"}
	}
	e.RemoteID = remoteID
	f.entities[localKey] = e
	return nil
}

// remoteID returns the linkage currently stored for a local key.
func (f *fakeLocal) remoteID(localKey int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[localKey].RemoteID
}

// fakeRemote is an in-memory RemoteStore that records its writes.
type fakeRemote struct {
	mu      stdsync.Mutex
	records map[string]map[string]string
	nextID  int

	mintCalls int
	mintErr   error
	readErr   error
	writeErr  error

	// writes records the field sets of each WriteProjection call.
	writes []map[string]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]map[string]string)}
}

func (f *fakeRemote) Mint(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mintCalls++
	if f.mintErr != nil {
		return "", f.mintErr
	}
	f.nextID++
	id := fmt.Sprintf("rid-%04d", f.nextID)
	f.records[id] = make(map[string]string)
	return id, nil
}

func (f *fakeRemote) ReadProjection(_ context.Context, remoteID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	rec, ok := f.records[remoteID]
	if !ok {
		return nil, errors.NewNotFoundError("remote record", remoteID)
	}
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRemote) WriteProjection(_ context.Context, remoteID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	rec, ok := f.records[remoteID]
	if !ok {
		return errors.NewNotFoundError("remote record", remoteID)
	}
	written := make(map[string]string, len(fields))
	for k, v := range fields {
		rec[k] = v
		written[k] = v
	}
	f.writes = append(f.writes, written)
	return nil
}

// seed installs a remote record with the given fields, bypassing Mint.
func (f *fakeRemote) seed(remoteID string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := make(map[string]string, len(fields))
	for k, v := range fields {
		rec[k] = v
	}
	f.records[remoteID] = rec
}

func (f *fakeRemote) record(remoteID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[remoteID]
}

// fakeLedger is an in-memory Ledger.
type fakeLedger struct {
	mu stdsync.Mutex

	leaseHolder string
	leaseErr    error

	runs       []RunRecord
	lastSynced map[int64]time.Time
	pending    map[int64]PendingMint
	retries    map[int64]RetryRecord
	audits     []audit.Entry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		lastSynced: make(map[int64]time.Time),
		pending:    make(map[int64]PendingMint),
		retries:    make(map[int64]RetryRecord),
	}
}

func (f *fakeLedger) AcquireLease(_ context.Context, runID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseErr != nil {
		return f.leaseErr
	}
	if f.leaseHolder != "" {
		return &errors.RunActiveError{HeldBy: f.leaseHolder, HeldSince: at}
	}
	f.leaseHolder = runID
	return nil
}

func (f *fakeLedger) ReleaseLease(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseHolder == runID {
		f.leaseHolder = ""
	}
	return nil
}

func (f *fakeLedger) BeginRun(_ context.Context, rec RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, rec)
	return nil
}

func (f *fakeLedger) CompleteRun(_ context.Context, runID string, completedAt, watermarkAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID == runID && !f.runs[i].Completed() {
			f.runs[i].CompletedAt = completedAt
			f.runs[i].WatermarkAfter = watermarkAfter
			return nil
		}
	}
	return errors.NewNotFoundError("open run", runID)
}

func (f *fakeLedger) Watermark(_ context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var wm time.Time
	for _, r := range f.runs {
		if r.Completed() && r.WatermarkAfter.After(wm) {
			wm = r.WatermarkAfter
		}
	}
	return wm, nil
}

func (f *fakeLedger) Runs(_ context.Context, limit int) ([]RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunRecord, 0, len(f.runs))
	for i := len(f.runs) - 1; i >= 0; i-- {
		out = append(out, f.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) LastSynced(_ context.Context, localKey int64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSynced[localKey], nil
}

func (f *fakeLedger) SetLastSynced(_ context.Context, localKey int64, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSynced[localKey] = t
	return nil
}

func (f *fakeLedger) PendingMint(_ context.Context, localKey int64) (PendingMint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pm, ok := f.pending[localKey]
	if !ok {
		return PendingMint{}, errors.NewNotFoundError("pending mint", fmt.Sprint(localKey))
	}
	return pm, nil
}

func (f *fakeLedger) PutPendingMint(_ context.Context, pm PendingMint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.pending[pm.LocalKey]; !exists {
		f.pending[pm.LocalKey] = pm
	}
	return nil
}

func (f *fakeLedger) BumpPendingMint(_ context.Context, localKey int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pm, ok := f.pending[localKey]
	if !ok {
		return 0, errors.NewNotFoundError("pending mint", fmt.Sprint(localKey))
	}
	pm.RunsSeen++
	f.pending[localKey] = pm
	return pm.RunsSeen, nil
}

func (f *fakeLedger) DeletePendingMint(_ context.Context, localKey int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, localKey)
	return nil
}

func (f *fakeLedger) PendingMints(_ context.Context) ([]PendingMint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PendingMint, 0, len(f.pending))
	for _, pm := range f.pending {
		out = append(out, pm)
	}
	return out, nil
}

func (f *fakeLedger) MarkRetry(_ context.Context, localKey int64, detail string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[localKey] = RetryRecord{LocalKey: localKey, LastError: detail, FailedAt: at}
	return nil
}

func (f *fakeLedger) ClearRetry(_ context.Context, localKey int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.retries, localKey)
	return nil
}

func (f *fakeLedger) Retries(_ context.Context) ([]RetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RetryRecord, 0, len(f.retries))
	for _, r := range f.retries {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeLedger) AppendAudit(_ context.Context, entry audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.audits) + 1)
	f.audits = append(f.audits, entry)
	return nil
}

// auditActions returns the recorded actions for one entity, in append order.
func (f *fakeLedger) auditActions(localKey int64) []audit.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Action
	for _, e := range f.audits {
		if e.LocalKey == localKey {
			out = append(out, e.Action)
		}
	}
	return out
}
