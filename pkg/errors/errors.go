// Package errors provides custom error types for the twinsync system.
// These errors distinguish transient remote failures, which are retried on
// the next run, from conditions that need operator attention, such as an
// orphaned remote identifier or a shared-field schema mismatch.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// As is an alias for the standard library errors.As.
var As = errors.As

// Is is an alias for the standard library errors.Is.
var Is = errors.Is

// Common sentinel errors for the twinsync system
var (
	// ErrNotFound indicates that a requested record was not found
	ErrNotFound = errors.New("not found")

	// ErrTransient indicates a temporary remote failure; retry next run
	ErrTransient = errors.New("transient remote failure")

	// ErrTimeout indicates that a remote operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrRunActive indicates another reconciliation run holds the lease
	ErrRunActive = errors.New("reconciliation run already active")

	// ErrSchemaMismatch indicates a shared field differs between stores
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrOrphanIdentifier indicates a local linkage the remote store does not know
	ErrOrphanIdentifier = errors.New("orphan remote identifier")

	// ErrMintNotBackfilled indicates a pending mint that never reached the local store
	ErrMintNotBackfilled = errors.New("minted identifier not backfilled")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError represents an error when a record is not found.
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// TransientError represents a remote failure that is safe to retry on the
// next run: the store was unreachable, busy, or the call timed out.
type TransientError struct {
	Store     string // "local" or "remote"
	Operation string
	Err       error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s store failure during %s: %v", e.Store, e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support.
func (e *TransientError) Is(target error) bool {
	if target == ErrTransient {
		return true
	}
	return target == ErrTimeout && errors.Is(e.Err, ErrTimeout)
}

// NewTransientError creates a new TransientError.
func NewTransientError(store, operation string, err error) *TransientError {
	return &TransientError{Store: store, Operation: operation, Err: err}
}

// SchemaMismatchError indicates a shared field whose type or constraints
// differ between the two stores. Fatal for the entity, never coerced.
type SchemaMismatchError struct {
	Field       string
	LocalValue  string
	RemoteValue string
	Message     string
}

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on field %s: %s", e.Field, e.Message)
}

// Is implements errors.Is support.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// OrphanIdentifierError indicates the local store carries a remote_id the
// remote store does not recognize. Surfaced for manual repair; the entity is
// never silently re-created, which would duplicate remote objects.
type OrphanIdentifierError struct {
	LocalKey int64
	RemoteID string
}

// Error implements the error interface.
func (e *OrphanIdentifierError) Error() string {
	return fmt.Sprintf("entity %d is linked to remote identifier %s which the remote store does not recognize", e.LocalKey, e.RemoteID)
}

// Is implements errors.Is support.
func (e *OrphanIdentifierError) Is(target error) bool {
	return target == ErrOrphanIdentifier
}

// MintNotBackfilledError indicates a pending-mint record whose backfill has
// not succeeded after the configured number of runs.
type MintNotBackfilledError struct {
	LocalKey int64
	RemoteID string
	Runs     int
}

// Error implements the error interface.
func (e *MintNotBackfilledError) Error() string {
	return fmt.Sprintf("remote identifier %s minted for entity %d has not been backfilled after %d runs", e.RemoteID, e.LocalKey, e.Runs)
}

// Is implements errors.Is support.
func (e *MintNotBackfilledError) Is(target error) bool {
	return target == ErrMintNotBackfilled
}

// TimeoutError represents a remote operation timeout.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Duration > 0 {
		return fmt.Sprintf("operation %s timed out after %s", e.Operation, e.Duration)
	}
	return fmt.Sprintf("operation %s timed out", e.Operation)
}

// Is implements errors.Is support.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrTransient
}

// RunActiveError indicates a second run attempted to start while another
// holds the run lease. The caller must fail fast rather than interleave.
type RunActiveError struct {
	HeldBy    string
	HeldSince time.Time
}

// Error implements the error interface.
func (e *RunActiveError) Error() string {
	return fmt.Sprintf("reconciliation run %s active since %s", e.HeldBy, e.HeldSince.Format(time.RFC3339))
}

// Is implements errors.Is support.
func (e *RunActiveError) Is(target error) bool {
	return target == ErrRunActive
}

// StoreError represents an error from one of the store adapters.
type StoreError struct {
	Store     string // "local", "remote", or "ledger"
	Operation string
	Key       string
	Err       error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s store: failed to %s %s: %v", e.Store, e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("%s store: failed to %s: %v", e.Store, e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Helper functions for error checking

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient checks if an error is safe to retry on the next run.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRunActive checks if an error indicates lease contention.
func IsRunActive(err error) bool {
	return errors.Is(err, ErrRunActive)
}

// IsOrphanIdentifier checks if an error indicates an orphaned remote identifier.
func IsOrphanIdentifier(err error) bool {
	return errors.Is(err, ErrOrphanIdentifier)
}

// IsSchemaMismatch checks if an error indicates a shared-field schema mismatch.
func IsSchemaMismatch(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}

// WrapStore wraps an error as a StoreError.
func WrapStore(store, operation, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Store: store, Operation: operation, Key: key, Err: err}
}

// WrapTransient wraps an error as a TransientError.
func WrapTransient(store, operation string, err error) error {
	if err == nil {
		return nil
	}
	return NewTransientError(store, operation, err)
}
