package orchestrator

import (
	"time"

	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/storage"
)

// Typed error values surfaced by ingress and observability operations.
// Compare with errors.Is.
var (
	// ErrNotFound: the work item does not exist.
	ErrNotFound = storage.ErrNotFound
	// ErrConflict: the item changed concurrently; re-read and retry.
	ErrConflict = storage.ErrConflict
	// ErrIllegalTransition: the requested operation is not legal from the
	// item's current state.
	ErrIllegalTransition = storage.ErrIllegalTransition
)

// TransientError builds a handler error classified as transient: the stage
// is retried with exponential backoff. err may be nil.
func TransientError(reason string, err error) error {
	return &policy.Failure{Class: policy.Transient, Reason: reason, Err: err}
}

// ValidationError builds a handler error classified as a validation failure:
// the item is suspended for manual inspection, never retried automatically.
func ValidationError(reason string) error {
	return &policy.Failure{Class: policy.Validation, Reason: reason}
}

// FatalError builds a handler error classified as fatal: the item is
// dead-lettered immediately.
func FatalError(reason string) error {
	return &policy.Failure{Class: policy.Fatal, Reason: reason}
}

// RateLimitError builds a handler error for an externally signaled rate
// limit. The stage retries at retryAt without consuming an attempt.
func RateLimitError(reason string, retryAt time.Time) error {
	return &policy.Failure{Class: policy.RateLimit, Reason: reason, RetryAt: retryAt}
}

// QuotaError builds a handler error signaling quota exhaustion. The item is
// parked with its partial progress preserved and resumes after resetAt.
func QuotaError(service string, resetAt time.Time) error {
	return &quota.ExceededError{Service: service, ResetAt: resetAt}
}
