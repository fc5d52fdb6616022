package sync

import (
	"fmt"
	"time"
)

// Exit statuses reported by the operator-facing command.
const (
	// ExitSuccess means every entity reached a terminal success.
	ExitSuccess = 0
	// ExitPartial means the run completed but some entities failed and
	// will be retried next run.
	ExitPartial = 1
	// ExitFatal means the run aborted and the watermark is unchanged.
	ExitFatal = 2
)

// EntityError records one entity-level failure with enough context to
// debug without re-running.
type EntityError struct {
	LocalKey int64
	Err      error
}

// Error implements the error interface.
func (e EntityError) Error() string {
	return fmt.Sprintf("entity %d: %v", e.LocalKey, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e EntityError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one reconciliation run.
type Result struct {
	RunID           string
	StartedAt       time.Time
	CompletedAt     time.Time // zero if the run aborted
	WatermarkBefore time.Time
	WatermarkAfter  time.Time // zero if the watermark did not advance

	Created int
	Updated int
	Skipped int
	Failed  int

	Errors []EntityError

	// Fatal marks a run-level abort: the run record was not completed and
	// the watermark is untouched.
	Fatal bool
}

// newResult creates a result for a started run.
func newResult(runID string, startedAt, watermarkBefore time.Time) *Result {
	return &Result{
		RunID:           runID,
		StartedAt:       startedAt,
		WatermarkBefore: watermarkBefore,
	}
}

// fatalResult creates a result for a run that aborted before processing.
func fatalResult(runID string, startedAt time.Time, err error) *Result {
	r := &Result{
		RunID:     runID,
		StartedAt: startedAt,
		Fatal:     true,
	}
	if err != nil {
		r.Errors = append(r.Errors, EntityError{Err: err})
	}
	return r
}

// Total returns the number of entities handled in the run.
func (r *Result) Total() int {
	return r.Created + r.Updated + r.Skipped + r.Failed
}

// IsSuccess reports whether every entity reached a terminal success.
func (r *Result) IsSuccess() bool {
	return !r.Fatal && r.Failed == 0
}

// ExitCode maps the run outcome to the operator-facing exit status.
func (r *Result) ExitCode() int {
	switch {
	case r.Fatal:
		return ExitFatal
	case r.Failed > 0:
		return ExitPartial
	default:
		return ExitSuccess
	}
}

// Summary returns a human-readable one-line summary.
func (r *Result) Summary() string {
	if r.Fatal {
		return fmt.Sprintf("Run %s aborted; watermark unchanged (%d entities failed)", r.RunID, r.Failed)
	}
	return fmt.Sprintf("Run %s: %d created, %d updated, %d skipped, %d failed",
		r.RunID, r.Created, r.Updated, r.Skipped, r.Failed)
}
