package orchestrator

import (
	"context"
	"time"
)

// StageHandler executes one pipeline stage for one item. Implemented by
// external collaborators (the crawler, the vision client, the scorer, the
// search indexer) and registered per stage via WithStageHandler.
//
// Handlers must be idempotent with respect to their stage key: the
// orchestrator guarantees at-least-once execution, so a stage may run more
// than once for the same item. Handlers must observe ctx, which carries the
// per-stage timeout.
//
// A handler reports its result as an Outcome. It may instead return an
// error: typed errors built with TransientError, ValidationError,
// FatalError, RateLimitError, or QuotaError keep their class; any other
// error is treated as transient.
type StageHandler interface {
	Execute(ctx context.Context, item Item) (Outcome, error)
}

// StageHandlerFunc adapts a function to the StageHandler interface.
type StageHandlerFunc func(ctx context.Context, item Item) (Outcome, error)

// Execute implements StageHandler.
func (f StageHandlerFunc) Execute(ctx context.Context, item Item) (Outcome, error) {
	return f(ctx, item)
}

// Subscriber receives durable workflow events, delivered at least once and,
// per work item, in write order. Handlers must be idempotent. A returned
// error makes the bus redeliver the event (and hold back later events of the
// same item) after a backoff.
type Subscriber interface {
	Name() string
	HandleEvent(ctx context.Context, e Event) error
}

// QuotaGate is the quota surface handed to stage handlers: check the
// estimated cost before an external call, record the actual cost after.
type QuotaGate interface {
	// Check reports whether the service can absorb the estimated cost.
	// When denied, resetAt is the earliest instant capacity returns; the
	// handler should return QuotaError(service, resetAt).
	Check(ctx context.Context, service string, estimatedTokens int64) (allowed bool, resetAt time.Time, err error)

	// Record charges the actual cost of a completed call.
	Record(ctx context.Context, service string, usage Usage) error
}
