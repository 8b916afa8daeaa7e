package orchestrator

import (
	"github.com/labelsquor/orchestrator/internal/engine"
	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/state"
	"github.com/labelsquor/orchestrator/internal/storage"
)

func toPublicItem(item *model.WorkItem) Item {
	out := Item{
		ID:                 item.ID,
		Priority:           item.Priority,
		State:              State(item.State),
		Stage:              Stage(item.Stage),
		AttemptCount:       item.AttemptCount,
		QuotaExceededCount: item.QuotaExceededCount,
		Version:            item.Version,
		EnqueuedAt:         item.EnqueuedAt,
		StartedAt:          item.StartedAt,
		CompletedAt:        item.CompletedAt,
		NextAttemptAt:      item.NextAttemptAt,
		LockHolder:         item.LockHolder,
		CancelRequested:    item.CancelRequested,
		Payload:            item.Payload,
		PartialResults:     item.PartialResults,
		Metadata:           item.Metadata,
	}
	for _, e := range item.ErrorChain {
		out.ErrorChain = append(out.ErrorChain, ItemError(e))
	}
	if item.LastError != nil {
		le := ItemError(*item.LastError)
		out.LastError = &le
	}
	return out
}

func toPublicTransition(t model.Transition) TransitionRecord {
	return TransitionRecord{
		ID:        t.ID,
		FromState: State(t.FromState),
		ToState:   State(t.ToState),
		Stage:     Stage(t.Stage),
		Reason:    t.Reason,
		Metadata:  t.Metadata,
		Actor:     t.Actor,
		At:        t.At,
	}
}

func toPublicEvent(e model.Event) Event {
	return Event{
		ID:         e.ID,
		WorkItemID: e.WorkItemID,
		Type:       string(e.Type),
		Payload:    e.Payload,
		At:         e.At,
	}
}

func toPublicDeadLetter(d model.DeadLetter) DeadLetterRecord {
	out := DeadLetterRecord{
		ID:         d.ID,
		WorkItemID: d.WorkItemID,
		Payload:    d.Payload,
		At:         d.At,
	}
	for _, e := range d.ErrorChain {
		out.ErrorChain = append(out.ErrorChain, ItemError(e))
	}
	return out
}

func toInternalOutcome(o Outcome) engine.Outcome {
	switch o.kind {
	case "done":
		return engine.Done(o.summary)
	case "failed":
		out := engine.Failed(toInternalClass(o.class), o.reason)
		out.RetryAt = o.retryAt
		return out
	case "quota_exceeded":
		return engine.QuotaExhausted(o.service, o.resetAt, o.summary)
	case "partial":
		return engine.Partial(o.summary, o.continueNext)
	case "yield":
		return engine.Yield(o.reason)
	default:
		// A zero-value Outcome means the handler forgot to construct one.
		return engine.Failed(policy.Fatal, "handler returned unconstructed outcome")
	}
}

func toInternalClass(c FailureClass) policy.Class {
	switch c {
	case FailureTransient:
		return policy.Transient
	case FailureRateLimit:
		return policy.RateLimit
	case FailureValidation:
		return policy.Validation
	case FailureFatal:
		return policy.Fatal
	default:
		return policy.Transient
	}
}

func toInternalFilter(f Filter) storage.ListFilter {
	out := storage.ListFilter{
		MinPriority: f.MinPriority,
		MaxAge:      f.MaxAge,
		Limit:       f.Limit,
		Offset:      f.Offset,
	}
	for _, s := range f.States {
		out.States = append(out.States, state.State(s))
	}
	for _, s := range f.Stages {
		out.Stages = append(out.Stages, state.Stage(s))
	}
	return out
}
