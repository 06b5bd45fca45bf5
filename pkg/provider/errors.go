package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a provider failure. The reconciliation engine switches on
// kinds, never on provider-specific error types.
type Kind string

const (
	// KindValidationFailed marks a record the provider refuses as malformed.
	KindValidationFailed Kind = "validation_failed"

	// KindAuthFailed marks invalid credentials; the remaining batch is
	// skipped and the provider is reported unhealthy.
	KindAuthFailed Kind = "auth_failed"

	// KindRateLimited marks a provider throttle; counted as skipped, the
	// pass retries on the next tick.
	KindRateLimited Kind = "rate_limited"

	// KindNotFound marks a missing remote record.
	KindNotFound Kind = "not_found"

	// KindConflict marks a duplicate record or contents.
	KindConflict Kind = "conflict"

	// KindNetworkFailed marks a transient transport failure.
	KindNetworkFailed Kind = "network_failed"

	// KindTimeout marks an exceeded per-call deadline.
	KindTimeout Kind = "timeout"

	// KindStorageFailed marks a repository write failure.
	KindStorageFailed Kind = "storage_failed"

	// KindCancelled marks a shutdown-triggered abort.
	KindCancelled Kind = "cancelled"

	// KindMisconfiguredZone marks a zone the credentials cannot see.
	KindMisconfiguredZone Kind = "misconfigured_zone"

	// KindSkipped marks records not attempted because an earlier record in
	// the same batch failed with AuthFailed or RateLimited.
	KindSkipped Kind = "skipped_due_to_earlier_failure"
)

// Error is a classified provider failure.
type Error struct {
	Kind      Kind
	Provider  string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Operation, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified provider error.
func NewError(kind Kind, provider, operation string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Operation: operation, Err: err}
}

// KindOf classifies an arbitrary error. Wrapped *Error keeps its kind;
// context errors map to Cancelled and Timeout; anything else is treated as
// a transient network failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetworkFailed
}

func is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsAuthFailed reports whether err is a credentials failure.
func IsAuthFailed(err error) bool { return is(err, KindAuthFailed) }

// IsRateLimited reports whether err is a throttle signal.
func IsRateLimited(err error) bool { return is(err, KindRateLimited) }

// IsConflict reports whether err is a duplicate-record failure.
func IsConflict(err error) bool { return is(err, KindConflict) }
