// Package audit defines the append-only audit trail written by the
// reconciliation engine: one entry per action taken on one entity during
// one run, plus the retention policy that bounds how long entries are kept.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// Action identifies the reconciliation step an entry records.
type Action string

// Actions recorded in the audit trail.
const (
	ActionCreateMint     Action = "create-mint"
	ActionCreateBackfill Action = "create-backfill"
	ActionCreatePush     Action = "create-push"
	ActionUpdatePush     Action = "update-push"
	ActionSkip           Action = "skip"
	ActionError          Action = "error"
)

// Outcome is the result of a recorded action.
type Outcome string

// Outcomes of a recorded action.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one action taken on one entity during one run.
// Entries are append-only and never mutated.
type Entry struct {
	ID            int64     `json:"id,omitempty"`
	RunID         string    `json:"run_id"`
	LocalKey      int64     `json:"local_key"`
	Action        Action    `json:"action"`
	FieldsChanged []string  `json:"fields_changed,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// String renders an entry for operator output.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run=%s entity=%d %s %s",
		e.Timestamp.UTC().Format(time.RFC3339), e.RunID, e.LocalKey, e.Action, e.Outcome)
	if len(e.FieldsChanged) > 0 {
		fmt.Fprintf(&b, " fields=%s", strings.Join(e.FieldsChanged, ","))
	}
	if e.ErrorDetail != "" {
		fmt.Fprintf(&b, " detail=%q", e.ErrorDetail)
	}
	return b.String()
}

// Query selects audit entries by run, entity, or time range.
// Zero values mean "any".
type Query struct {
	RunID    string
	LocalKey int64
	From     time.Time
	To       time.Time
	Limit    int
}

// RetentionPolicy bounds the audit trail. Entries older than MaxAge, or
// belonging to runs older than the newest MaxRuns completed runs, are
// pruned, whichever bound is reached first. Run records themselves are
// kept for watermark history.
type RetentionPolicy struct {
	// MaxAge prunes entries older than this. Zero disables the age bound.
	MaxAge time.Duration

	// MaxRuns keeps entries for at most this many completed runs.
	// Zero disables the run-count bound.
	MaxRuns int
}

// DefaultRetention keeps thirty days and the last five runs, per operations
// guidance; both bounds are configurable.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		MaxAge:  30 * 24 * time.Hour,
		MaxRuns: 5,
	}
}

// Cutoff returns the age-based cutoff time, or the zero time if the age
// bound is disabled.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	if p.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-p.MaxAge)
}

// Enabled reports whether the policy prunes anything at all.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxRuns > 0
}
