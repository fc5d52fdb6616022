package sync

import (
	"context"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/twinsync/twinsync/pkg/audit"
	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/logging"
	"github.com/twinsync/twinsync/pkg/schema"
)

// Engine orchestrates one reconciliation run: detect changed entities,
// classify each by link state, dispatch to the creation or update
// coordinator, and advance the watermark if and only if the run itself did
// not crash. Entity-level failures are recorded and retried next run
// without blocking siblings; run-level failures abort with the watermark
// untouched.
type Engine struct {
	local  LocalStore
	remote RemoteStore
	ledger Ledger

	projection     *schema.Projection
	workers        int
	remoteTimeout  time.Duration
	abortThreshold int
	staleMintRuns  int
	now            func() time.Time

	detector *Detector
	creator  *Creator
	updater  *Updater
}

// New creates a reconciliation engine over the two store adapters and the
// sync ledger.
func New(local LocalStore, remote RemoteStore, ledger Ledger, opts ...Option) (*Engine, error) {
	options, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		local:          local,
		remote:         remote,
		ledger:         ledger,
		projection:     options.projection,
		workers:        options.workers,
		remoteTimeout:  options.remoteTimeout,
		abortThreshold: options.abortThreshold,
		staleMintRuns:  options.staleMintRuns,
		now:            options.now,
	}

	e.detector = NewDetector(local)
	e.creator = NewCreator(local, remote, ledger, e.projection, e.remoteTimeout, e.staleMintRuns, e.now)
	e.updater = NewUpdater(remote, ledger, e.projection, e.remoteTimeout, e.now)

	return e, nil
}

// Run executes one reconciliation pass. The returned Result is non-nil
// whenever a run was started, including fatal aborts; err is non-nil only
// for run-level failures.
//
// The watermark advances to the run's start time, not its completion time,
// so records modified mid-run are picked up again next run rather than
// missed.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	ctx = logging.WithRun(ctx, runID)
	log := logging.FromContext(ctx)

	startedAt := e.now().UTC()

	if err := e.ledger.AcquireLease(ctx, runID, startedAt); err != nil {
		return fatalResult(runID, startedAt, err), err
	}
	defer func() {
		if err := e.ledger.ReleaseLease(context.WithoutCancel(ctx), runID); err != nil {
			log.Error().Err(err).Msg("Failed to release run lease")
		}
	}()

	watermarkBefore, err := e.ledger.Watermark(ctx)
	if err != nil {
		return fatalResult(runID, startedAt, err), err
	}

	rec := RunRecord{
		ID:              runID,
		StartedAt:       startedAt,
		WatermarkBefore: watermarkBefore,
	}
	if err := e.ledger.BeginRun(ctx, rec); err != nil {
		return fatalResult(runID, startedAt, err), err
	}

	log.Info().
		Time("watermark", watermarkBefore).
		Msg("Reconciliation run started")

	entities, err := e.detector.Detect(ctx, watermarkBefore)
	if err != nil {
		// The local store is unreachable entirely: abort, watermark
		// untouched.
		return fatalResult(runID, startedAt, err), err
	}

	entities, err = e.addRetries(ctx, entities)
	if err != nil {
		return fatalResult(runID, startedAt, err), err
	}

	result := newResult(runID, startedAt, watermarkBefore)
	if err := e.processAll(ctx, entities, result); err != nil {
		result.Fatal = true
		return result, err
	}

	completedAt := e.now().UTC()
	if err := e.ledger.CompleteRun(ctx, runID, completedAt, startedAt); err != nil {
		result.Fatal = true
		return result, err
	}

	result.CompletedAt = completedAt
	result.WatermarkAfter = startedAt

	log.Info().
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("Reconciliation run completed")

	return result, nil
}

// addRetries folds entities awaiting a retry into the detected set. The
// watermark moves past a failed entity's modification time, so without the
// retry marks a failure would only be re-attempted after the next staff
// edit.
func (e *Engine) addRetries(ctx context.Context, entities []Entity) ([]Entity, error) {
	retries, err := e.ledger.Retries(ctx)
	if err != nil {
		return nil, err
	}
	if len(retries) == 0 {
		return entities, nil
	}

	seen := make(map[int64]bool, len(entities))
	for _, entity := range entities {
		seen[entity.LocalKey] = true
	}

	for _, r := range retries {
		if seen[r.LocalKey] {
			continue
		}
		entity, err := e.local.Read(ctx, r.LocalKey)
		if errors.IsNotFound(err) {
			// Deleted locally since the failure; nothing left to retry.
			if clearErr := e.ledger.ClearRetry(ctx, r.LocalKey); clearErr != nil {
				logging.FromContext(ctx).Warn().Err(clearErr).Int64("local_key", r.LocalKey).Msg("Failed to clear retry mark")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LocalKey < entities[j].LocalKey
	})

	logging.FromContext(ctx).Debug().
		Int("retries", len(retries)).
		Int("total", len(entities)).
		Msg("Merged retry queue into working set")

	return entities, nil
}

// processAll dispatches every detected entity across the bounded worker
// pool. It returns an error only for run-level aborts; per-entity failures
// are collected into the result.
func (e *Engine) processAll(ctx context.Context, entities []Entity, result *Result) error {
	var mu stdsync.Mutex
	var consecutiveTransient atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, entity := range entities {
		entity := entity
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			outcome, err := e.processOne(gctx, entity, result.RunID, result.StartedAt)

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				consecutiveTransient.Store(0)
				switch outcome {
				case audit.ActionCreatePush:
					result.Created++
				case audit.ActionUpdatePush:
					result.Updated++
				default:
					result.Skipped++
				}
				if clearErr := e.ledger.ClearRetry(gctx, entity.LocalKey); clearErr != nil {
					logging.FromContext(gctx).Warn().Err(clearErr).Int64("local_key", entity.LocalKey).Msg("Failed to clear retry mark")
				}
				return nil
			}

			result.Failed++
			result.Errors = append(result.Errors, EntityError{LocalKey: entity.LocalKey, Err: err})
			if markErr := e.ledger.MarkRetry(gctx, entity.LocalKey, err.Error(), e.now()); markErr != nil {
				logging.FromContext(gctx).Warn().Err(markErr).Int64("local_key", entity.LocalKey).Msg("Failed to mark entity for retry")
			}

			if errors.IsTransient(err) {
				n := consecutiveTransient.Add(1)
				if e.abortThreshold > 0 && n >= int64(e.abortThreshold) {
					// The remote store is gone, not flaky. Abort the run
					// so the watermark stays put.
					return errors.WrapTransient("remote", "run aborted after repeated transient failures", err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// processOne classifies one entity and drives it through the matching
// coordinator. The returned action is the terminal outcome used for the
// run's summary counters.
func (e *Engine) processOne(ctx context.Context, entity Entity, runID string, runStart time.Time) (audit.Action, error) {
	ctx = logging.WithEntity(ctx, entity.LocalKey)

	lastSynced, err := e.ledger.LastSynced(ctx, entity.LocalKey)
	if err != nil {
		return audit.ActionError, err
	}
	entity.LastSynced = lastSynced

	switch Classify(entity) {
	case Unlinked:
		if err := e.creator.Create(ctx, entity, runID, runStart); err != nil {
			return audit.ActionError, err
		}
		return audit.ActionCreatePush, nil

	default: // Linked
		if !entity.LastModified.After(entity.LastSynced) {
			// Already pushed after its latest modification; nothing to
			// do, beyond clearing any pending-mint record a previous,
			// interrupted run left behind.
			e.updater.clearPendingMint(ctx, entity.LocalKey)
			e.recordSkip(ctx, runID, entity.LocalKey)
			return audit.ActionSkip, nil
		}
		return e.updater.Update(ctx, entity, runID, runStart)
	}
}

// recordSkip writes a skip entry for an entity the watermark caught but
// whose changes were already pushed in an earlier run.
func (e *Engine) recordSkip(ctx context.Context, runID string, localKey int64) {
	entry := audit.Entry{
		RunID:     runID,
		LocalKey:  localKey,
		Action:    audit.ActionSkip,
		Outcome:   audit.OutcomeSuccess,
		Timestamp: e.now(),
	}
	if err := e.ledger.AppendAudit(ctx, entry); err != nil {
		logging.FromContext(ctx).Error().Err(err).Int64("local_key", localKey).Msg("Failed to append audit entry")
	}
}
