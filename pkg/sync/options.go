package sync

import (
	"time"

	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/schema"
)

// Defaults for engine tuning.
const (
	// DefaultWorkers bounds the per-entity worker pool.
	DefaultWorkers = 4

	// DefaultRemoteTimeout bounds each remote call.
	DefaultRemoteTimeout = 30 * time.Second

	// DefaultAbortThreshold is the number of consecutive transient
	// failures after which the run aborts.
	DefaultAbortThreshold = 5

	// DefaultStaleMintRuns is the number of runs a pending mint may stay
	// unresolved before it is surfaced for manual repair.
	DefaultStaleMintRuns = 3
)

// options configures an Engine.
type options struct {
	projection     *schema.Projection
	workers        int
	remoteTimeout  time.Duration
	abortThreshold int
	staleMintRuns  int
	now            func() time.Time
}

func defaultOptions() *options {
	return &options{
		projection:     schema.Default(),
		workers:        DefaultWorkers,
		remoteTimeout:  DefaultRemoteTimeout,
		abortThreshold: DefaultAbortThreshold,
		staleMintRuns:  DefaultStaleMintRuns,
		now:            time.Now,
	}
}

// Option is a function that configures an Engine.
type Option func(*options) error

// newOptions returns engine options with default values.
func newOptions(opts ...Option) (*options, error) {
	options := defaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	return options, nil
}

// WithProjection sets the shared-field projection.
func WithProjection(p *schema.Projection) Option {
	return func(o *options) error {
		if p == nil {
			return &errors.ValidationError{Field: "projection", Message: "cannot be nil"}
		}
		o.projection = p
		return nil
	}
}

// WithWorkers bounds the per-entity worker pool.
func WithWorkers(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return &errors.ValidationError{Field: "workers", Value: n, Message: "must be at least 1"}
		}
		o.workers = n
		return nil
	}
}

// WithRemoteTimeout bounds each remote call. Zero disables per-call
// timeouts.
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return &errors.ValidationError{Field: "remote_timeout", Value: d, Message: "cannot be negative"}
		}
		o.remoteTimeout = d
		return nil
	}
}

// WithAbortThreshold sets how many consecutive transient failures abort
// the run. Zero disables the threshold.
func WithAbortThreshold(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return &errors.ValidationError{Field: "abort_threshold", Value: n, Message: "cannot be negative"}
		}
		o.abortThreshold = n
		return nil
	}
}

// WithStaleMintRuns sets after how many runs an unresolved pending mint is
// surfaced for manual repair. Zero disables the check.
func WithStaleMintRuns(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return &errors.ValidationError{Field: "stale_mint_runs", Value: n, Message: "cannot be negative"}
		}
		o.staleMintRuns = n
		return nil
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return &errors.ValidationError{Field: "clock", Message: "cannot be nil"}
		}
		o.now = now
		return nil
	}
}
