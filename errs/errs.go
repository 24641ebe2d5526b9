// Package errs defines the sentinel error taxonomy shared across the queue,
// worker, and telemetry packages. Callers compare with errors.Is rather than
// matching on strings.
package errs

import "errors"

var (
	// ErrEnvelopeInvalid means a required correlation field was missing or blank.
	ErrEnvelopeInvalid = errors.New("envelope invalid")

	// ErrTraceIDRequired means the caller demanded a trace id and none could be derived.
	ErrTraceIDRequired = errors.New("trace id required")

	// ErrTraceIDColumnRequired means the caller demanded trace_id but the store has no such column.
	ErrTraceIDColumnRequired = errors.New("trace id column required")

	// ErrStoreUnavailable wraps transient store-layer failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUniquenessConflict means the store rejected an insert on a uniqueness constraint.
	ErrUniquenessConflict = errors.New("uniqueness conflict")

	// ErrSchemaMissing means a table or column the caller asked for does not exist.
	ErrSchemaMissing = errors.New("schema missing")

	// ErrHandlerFatal means a handler reported a non-recoverable failure.
	ErrHandlerFatal = errors.New("handler fatal")

	// ErrHandlerTransient means a handler reported a recoverable failure; requeue with backoff.
	ErrHandlerTransient = errors.New("handler transient")

	// ErrLeaseLost means a conditional write lost the race against the current lease_token.
	ErrLeaseLost = errors.New("lease lost")

	// ErrTelemetryQuotaExceeded means the replay queue is saturated and the event was dropped.
	ErrTelemetryQuotaExceeded = errors.New("telemetry quota exceeded")

	// ErrBudgetExceeded means an external cost circuit breaker fired. Callers should
	// treat this identically to ErrHandlerTransient and honor RetryAfterSec if present.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrFollowupDepthExceeded means a follow-up enqueue was rejected for exceeding maxDepth.
	ErrFollowupDepthExceeded = errors.New("followup depth exceeded")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// StoreError wraps a store-level cause with one of the sentinel kinds above,
// matching the reference repo's resilience.ReconciliationError pattern of a
// typed-but-simple error value instead of a generic string-keyed map.
type StoreError struct {
	Kind  error
	Cause error
	Op    string
}

func (e *StoreError) Error() string {
	if e.Cause == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Cause.Error()
}

func (e *StoreError) Unwrap() error { return e.Kind }

// Is lets errors.Is(err, errs.ErrStoreUnavailable) match against Kind; the
// Cause chain is not searched.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func Wrap(op string, kind error, cause error) error {
	return &StoreError{Op: op, Kind: kind, Cause: cause}
}

// RetryableAfter pairs a transient error with a hint for how long the caller
// should wait before the next attempt, e.g. a search-budget cost breaker.
type RetryableAfter struct {
	Kind          error
	RetryAfterSec int
}

func (e *RetryableAfter) Error() string { return e.Kind.Error() }
func (e *RetryableAfter) Unwrap() error { return e.Kind }
