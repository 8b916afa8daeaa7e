package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/journal"
	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/storage"
)

// EventStore is the slice of the storage layer the executor needs.
type EventStore interface {
	InsertEvent(ctx context.Context, itemID uuid.UUID, e storage.EventDraft) error
}

// Executor dispatches to the handler for an item's current stage and
// normalizes whatever happens — success, typed failure, quota exhaustion,
// timeout, untyped error — into an Outcome. It never returns an error: every
// failure mode is an outcome the worker maps to a transition.
type Executor struct {
	store    EventStore
	registry Registry
	metrics  journal.Recorder
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given per-stage timeout.
func NewExecutor(store EventStore, registry Registry, metrics journal.Recorder, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Executor{
		store:    store,
		registry: registry,
		metrics:  metrics,
		timeout:  timeout,
		logger:   logger,
	}
}

// Execute runs the item's current stage. The stage_started event is recorded
// before the handler runs; stage_completed or stage_failed after. The quota
// outcome's event is co-committed with the transition by the worker instead,
// so it cannot be observed without the state change that goes with it.
func (e *Executor) Execute(ctx context.Context, item *model.WorkItem) Outcome {
	stage := item.Stage
	handler, ok := e.registry[stage]
	if !ok {
		// A pipeline with no handler for a reachable stage is a deployment
		// defect, not a retryable condition.
		return Failed(policy.Fatal, "no handler registered for stage "+string(stage))
	}

	if err := e.store.InsertEvent(ctx, item.ID, storage.EventDraft{
		Type: model.EventStageStarted,
		Payload: map[string]any{
			"stage":   string(stage),
			"attempt": item.AttemptCount,
		},
	}); err != nil {
		e.logger.Warn("executor: record stage_started", "work_item_id", item.ID, "error", err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.timeout)
	start := time.Now()
	outcome, err := handler.Execute(stageCtx, item)
	elapsed := time.Since(start)
	cancel()

	if err != nil {
		outcome = e.classify(err)
	} else if !validKind(outcome.Kind) {
		outcome = Failed(policy.Fatal, "handler returned unknown outcome kind "+string(outcome.Kind))
	}

	itemID := item.ID
	e.metrics.Record(ctx, model.Metric{
		WorkItemID: &itemID,
		Kind:       model.MetricStageDuration,
		Name:       string(stage),
		Value:      float64(elapsed.Milliseconds()),
		At:         time.Now(),
	})

	switch outcome.Kind {
	case OutcomeDone, OutcomePartial, OutcomeYield:
		if err := e.store.InsertEvent(ctx, item.ID, storage.EventDraft{
			Type: model.EventStageComplete,
			Payload: map[string]any{
				"stage":       string(stage),
				"duration_ms": elapsed.Milliseconds(),
				"kind":        string(outcome.Kind),
			},
		}); err != nil {
			e.logger.Warn("executor: record stage_completed", "work_item_id", item.ID, "error", err)
		}
	case OutcomeFailed:
		e.metrics.Record(ctx, model.Metric{
			WorkItemID: &itemID,
			Kind:       model.MetricError,
			Name:       string(outcome.Class),
			Value:      1,
			At:         time.Now(),
		})
		if err := e.store.InsertEvent(ctx, item.ID, storage.EventDraft{
			Type: model.EventStageFailed,
			Payload: map[string]any{
				"stage":       string(stage),
				"class":       string(outcome.Class),
				"reason":      outcome.Reason,
				"duration_ms": elapsed.Milliseconds(),
			},
		}); err != nil {
			e.logger.Warn("executor: record stage_failed", "work_item_id", item.ID, "error", err)
		}
	}

	return outcome
}

// classify maps a raised error to an outcome. Typed failures keep their
// class; quota exhaustion carries its reset hint; a stage-deadline blowout is
// a transient timeout; anything else is wrapped transient.
func (e *Executor) classify(err error) Outcome {
	var quotaErr *quota.ExceededError
	if errors.As(err, &quotaErr) {
		return QuotaExhausted(quotaErr.Service, quotaErr.ResetAt, nil)
	}

	var failure *policy.Failure
	if errors.As(err, &failure) {
		class := failure.Class
		if !class.Valid() {
			class = policy.Transient
		}
		out := Failed(class, failure.Reason)
		out.RetryAt = failure.RetryAt
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Failed(policy.Transient, "timeout")
	}

	return Failed(policy.Transient, err.Error())
}

func validKind(k OutcomeKind) bool {
	switch k {
	case OutcomeDone, OutcomeFailed, OutcomeQuota, OutcomePartial, OutcomeYield:
		return true
	}
	return false
}
