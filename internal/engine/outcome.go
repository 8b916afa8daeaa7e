// Package engine drives work items through the pipeline: the stage executor
// normalizes handler results into tagged outcomes, the worker pool maps
// outcomes to transitions under a lock lease, the dispatcher elects the next
// runnable item, and the resume sweeper reactivates parked items.
package engine

import (
	"context"
	"time"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/state"
)

// OutcomeKind tags the result of one stage execution.
type OutcomeKind string

const (
	// OutcomeDone: the stage finished; advance to the next stage (or
	// complete on the final one).
	OutcomeDone OutcomeKind = "done"
	// OutcomeFailed: the stage failed with a classified error.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeQuota: an external quota is exhausted; park the item until the
	// window resets, preserving partial progress.
	OutcomeQuota OutcomeKind = "quota_exceeded"
	// OutcomePartial: the stage made recordable progress but is not done.
	// ContinueNext decides whether the pipeline still advances.
	OutcomePartial OutcomeKind = "partial"
	// OutcomeYield: the stage is waiting on an external signal; park the
	// item in Waiting until a wake call.
	OutcomeYield OutcomeKind = "yield"
)

// Outcome is the normalized result of one stage execution.
type Outcome struct {
	Kind    OutcomeKind
	Summary map[string]any

	// Failure fields (OutcomeFailed).
	Class   policy.Class
	Reason  string
	RetryAt time.Time // rate-limit reset hint, zero if none

	// Quota fields (OutcomeQuota).
	Service string
	ResetAt time.Time

	// Partial fields (OutcomePartial).
	ContinueNext bool
}

// Done reports a completed stage with its output summary.
func Done(summary map[string]any) Outcome {
	return Outcome{Kind: OutcomeDone, Summary: summary}
}

// Failed reports a classified stage failure.
func Failed(class policy.Class, reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Class: class, Reason: reason}
}

// QuotaExhausted reports external quota exhaustion with the reset instant and
// whatever partial output the stage produced before hitting the wall.
func QuotaExhausted(service string, resetAt time.Time, partial map[string]any) Outcome {
	return Outcome{Kind: OutcomeQuota, Service: service, ResetAt: resetAt, Summary: partial}
}

// Partial reports recordable progress. continueNext advances the pipeline
// anyway; otherwise the same stage runs again on the next dispatch.
func Partial(summary map[string]any, continueNext bool) Outcome {
	return Outcome{Kind: OutcomePartial, Summary: summary, ContinueNext: continueNext}
}

// Yield parks the item in Waiting pending an external wake call.
func Yield(reason string) Outcome {
	return Outcome{Kind: OutcomeYield, Reason: reason}
}

// Handler executes one pipeline stage. Implementations live outside the
// orchestrator; they receive a snapshot of the item and must be idempotent
// with respect to their stage key, because at-least-once delivery means a
// stage may run more than once.
type Handler interface {
	Execute(ctx context.Context, item *model.WorkItem) (Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item *model.WorkItem) (Outcome, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, item *model.WorkItem) (Outcome, error) {
	return f(ctx, item)
}

// Registry maps each pipeline stage to its handler. Populated once at
// startup; a stage without a handler fails Fatal (missing dependency).
type Registry map[state.Stage]Handler
