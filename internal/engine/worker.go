package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/journal"
	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/state"
	"github.com/labelsquor/orchestrator/internal/storage"
)

// Worker claims ready items and drives them through one stage at a time:
// acquire the lease, win the Ready → Running compare-and-transition, execute
// the stage, map the outcome to the next transition, release the lease, loop.
type Worker struct {
	id           string
	store        *storage.DB
	executor     *Executor
	dispatcher   *Dispatcher
	pol          policy.Policy
	metrics      journal.Recorder
	lease        time.Duration
	idleSleep    time.Duration
	resumeJitter time.Duration
	logger       *slog.Logger
}

// NewWorker creates one worker. id must be unique across all processes
// sharing the store; it is the lock-holder identity. resumeJitter spreads
// quota-paused items' next_attempt_at past the reset instant so a whole
// cohort does not thunder in on the same sweeper tick.
func NewWorker(id string, store *storage.DB, executor *Executor, dispatcher *Dispatcher, pol policy.Policy, metrics journal.Recorder, lease, idleSleep, resumeJitter time.Duration, logger *slog.Logger) *Worker {
	if idleSleep <= 0 {
		idleSleep = time.Second
	}
	if resumeJitter <= 0 {
		resumeJitter = 30 * time.Second
	}
	return &Worker{
		id:           id,
		store:        store,
		executor:     executor,
		dispatcher:   dispatcher,
		pol:          pol,
		metrics:      metrics,
		lease:        lease,
		idleSleep:    idleSleep,
		resumeJitter: resumeJitter,
		logger:       logger.With("worker", id),
	}
}

// Run loops until ctx is cancelled. An iteration in flight when cancellation
// arrives finishes committing its transition; anything left Running has its
// lease lapse and is reclaimed by a surviving worker.
func (w *Worker) Run(ctx context.Context) error {
	idle := w.idleSleep
	maxIdle := 10 * w.idleSleep

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		claim, ok := w.dispatcher.Next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
			if idle *= 2; idle > maxIdle {
				idle = maxIdle
			}
			continue
		}
		idle = w.idleSleep

		// Finish the iteration even if shutdown starts mid-stage; the engine
		// bounds the wait with its shutdown grace.
		w.process(context.WithoutCancel(ctx), claim)
	}
}

func (w *Worker) process(ctx context.Context, claim storage.Claim) {
	defer w.dispatcher.Release(claim.ID)

	grant, err := w.store.AcquireLock(ctx, claim.ID, w.id, w.lease)
	if err != nil {
		if !errors.Is(err, storage.ErrLockHeld) && !errors.Is(err, storage.ErrNotFound) {
			w.logger.Warn("acquire lock", "work_item_id", claim.ID, "error", err)
		}
		return
	}
	if grant.Reclaimed {
		w.logger.Info("reclaimed expired lease",
			"work_item_id", claim.ID, "previous_holder", grant.PrevHolder)
	}

	item, err := w.store.GetWorkItem(ctx, claim.ID)
	if err != nil {
		w.logger.Warn("fetch claimed item", "work_item_id", claim.ID, "error", err)
		w.unlock(ctx, claim.ID)
		return
	}

	switch item.State {
	case state.Running:
		// The previous owner died mid-stage and its lease expired.
		w.reclaimRunning(ctx, item)
	case state.Ready:
		w.runReady(ctx, item)
	default:
		// Stale claim: the item moved on between election and lock.
		w.unlock(ctx, claim.ID)
	}
}

// reclaimRunning fails over an item whose owner died, then applies the
// normal retry policy.
func (w *Worker) reclaimRunning(ctx context.Context, item *model.WorkItem) {
	failed, err := w.transition(ctx, storage.TransitionParams{
		ItemID:           item.ID,
		ExpectedVersion:  item.Version,
		From:             state.Running,
		To:               state.Failed,
		Stage:            item.Stage,
		Reason:           "lock_expired",
		Actor:            w.id,
		IncrementAttempt: true,
		RecordError: &model.ItemError{
			Kind:    "lock_expired",
			Message: fmt.Sprintf("lease expired, reclaimed by %s", w.id),
			At:      time.Now(),
		},
		ReleaseLock: true,
	})
	if err != nil {
		w.logger.Warn("reclaim transition", "work_item_id", item.ID, "error", err)
		w.unlock(ctx, item.ID)
		return
	}
	w.settleFailed(ctx, failed, policy.Transient, time.Time{})
}

// runReady takes a Ready item through one stage.
func (w *Worker) runReady(ctx context.Context, item *model.WorkItem) {
	running, err := w.transition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Stage:           item.Stage,
		Reason:          "dispatched",
		Actor:           w.id,
	})
	if err != nil {
		// Lost the race (or the item vanished); the lock goes back.
		if !errors.Is(err, storage.ErrConflict) {
			w.logger.Warn("claim transition", "work_item_id", item.ID, "error", err)
		}
		w.unlock(ctx, item.ID)
		return
	}

	runningSince := time.Now()
	outcome := w.runStage(ctx, running)

	// Stage boundary: observe a cancellation request before committing the
	// outcome. In-flight stages are never interrupted forcibly.
	fresh, err := w.store.GetWorkItem(ctx, running.ID)
	if err != nil {
		w.logger.Warn("refetch before outcome", "work_item_id", running.ID, "error", err)
		fresh = running
	}
	if fresh.CancelRequested {
		w.cancelAtBoundary(ctx, fresh, outcome)
		w.recordRunningDuration(ctx, running.ID, runningSince)
		return
	}

	w.applyOutcome(ctx, fresh, outcome)
	w.recordRunningDuration(ctx, running.ID, runningSince)
}

// runStage executes the current stage while a heartbeat keeps the lease
// alive. The heartbeat stops the moment the handler returns.
func (w *Worker) runStage(ctx context.Context, item *model.WorkItem) Outcome {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		interval := w.lease / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.ExtendLock(hbCtx, item.ID, w.id, w.lease); err != nil {
					if errors.Is(err, storage.ErrNotLockHolder) {
						w.logger.Error("lease lost mid-stage", "work_item_id", item.ID)
						return
					}
					w.logger.Warn("extend lease", "work_item_id", item.ID, "error", err)
				}
			}
		}
	}()

	outcome := w.executor.Execute(ctx, item)
	stopHeartbeat()
	<-hbDone
	return outcome
}

// cancelAtBoundary honors a cancellation request observed after a stage
// finished. Completed-stage output is preserved in partial_results before
// the item goes terminal.
func (w *Worker) cancelAtBoundary(ctx context.Context, item *model.WorkItem, outcome Outcome) {
	params := storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Running,
		To:              state.Cancelled,
		Stage:           item.Stage,
		Reason:          "cancel_requested",
		Actor:           w.id,
		ReleaseLock:     true,
	}
	if (outcome.Kind == OutcomeDone || outcome.Kind == OutcomePartial) && outcome.Summary != nil {
		params.PartialResults = map[string]any{string(item.Stage): outcome.Summary}
	}
	if _, err := w.transition(ctx, params); err != nil {
		w.logger.Warn("cancel at boundary", "work_item_id", item.ID, "error", err)
		w.unlock(ctx, item.ID)
	}
}

// applyOutcome maps a stage outcome to the item's next transition.
func (w *Worker) applyOutcome(ctx context.Context, item *model.WorkItem, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeDone:
		w.advance(ctx, item, outcome.Summary)

	case OutcomePartial:
		if outcome.ContinueNext {
			w.advance(ctx, item, outcome.Summary)
			return
		}
		// Same stage runs again on the next dispatch, with its partial
		// output preserved.
		params := storage.TransitionParams{
			ItemID:          item.ID,
			ExpectedVersion: item.Version,
			From:            state.Running,
			To:              state.Ready,
			Stage:           item.Stage,
			Reason:          "stage_partial",
			Actor:           w.id,
			ReleaseLock:     true,
		}
		if outcome.Summary != nil {
			params.PartialResults = map[string]any{string(item.Stage): outcome.Summary}
		}
		if _, err := w.transition(ctx, params); err != nil {
			w.logger.Warn("partial transition", "work_item_id", item.ID, "error", err)
			w.unlock(ctx, item.ID)
		}

	case OutcomeYield:
		reason := outcome.Reason
		if reason == "" {
			reason = "awaiting_external_signal"
		}
		if _, err := w.transition(ctx, storage.TransitionParams{
			ItemID:          item.ID,
			ExpectedVersion: item.Version,
			From:            state.Running,
			To:              state.Waiting,
			Stage:           item.Stage,
			Reason:          reason,
			Actor:           w.id,
			ReleaseLock:     true,
		}); err != nil {
			w.logger.Warn("yield transition", "work_item_id", item.ID, "error", err)
			w.unlock(ctx, item.ID)
		}

	case OutcomeQuota:
		w.parkOnQuota(ctx, item, outcome)

	case OutcomeFailed:
		failed, err := w.transition(ctx, storage.TransitionParams{
			ItemID:           item.ID,
			ExpectedVersion:  item.Version,
			From:             state.Running,
			To:               state.Failed,
			Stage:            item.Stage,
			Reason:           outcome.Reason,
			Actor:            w.id,
			IncrementAttempt: outcome.Class == policy.Transient,
			RecordError: &model.ItemError{
				Kind:    string(outcome.Class),
				Message: outcome.Reason,
				At:      time.Now(),
			},
			ReleaseLock: true,
		})
		if err != nil {
			w.logger.Warn("failure transition", "work_item_id", item.ID, "error", err)
			w.unlock(ctx, item.ID)
			return
		}
		w.settleFailed(ctx, failed, outcome.Class, outcome.RetryAt)
	}
}

// advance moves a Running item back to Ready with the stage advanced, or to
// Completed when the final stage just finished.
func (w *Worker) advance(ctx context.Context, item *model.WorkItem, summary map[string]any) {
	params := storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Running,
		Stage:           item.Stage,
		Actor:           w.id,
		ReleaseLock:     true,
		SetNextAttempt:  true, // clear any stale retry schedule
	}
	if summary != nil {
		params.PartialResults = map[string]any{string(item.Stage): summary}
	}

	if next, ok := item.Stage.Next(); ok {
		params.To = state.Ready
		params.SetStage = &next
		params.Reason = "stage_complete"
	} else {
		params.To = state.Completed
		params.Reason = "pipeline_complete"
	}

	if _, err := w.transition(ctx, params); err != nil {
		w.logger.Warn("advance transition", "work_item_id", item.ID, "error", err)
		w.unlock(ctx, item.ID)
	}
}

// parkOnQuota moves a Running item to QuotaExceeded, preserving partial
// progress and scheduling the resume just past the reset instant.
func (w *Worker) parkOnQuota(ctx context.Context, item *model.WorkItem, outcome Outcome) {
	resetAt := outcome.ResetAt
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Minute)
	}
	next := resetAt.Add(time.Duration(rand.Int64N(int64(w.resumeJitter)))) //nolint:gosec // scheduling jitter

	partial := map[string]any{
		"progress_percentage": state.Progress(item.Stage) * 100,
	}
	if outcome.Summary != nil {
		partial[string(item.Stage)+"_partial"] = outcome.Summary
	}

	if _, err := w.transition(ctx, storage.TransitionParams{
		ItemID:                 item.ID,
		ExpectedVersion:        item.Version,
		From:                   state.Running,
		To:                     state.QuotaExceeded,
		Stage:                  item.Stage,
		Reason:                 "quota_exceeded",
		Actor:                  w.id,
		PartialResults:         partial,
		SetNextAttempt:         true,
		NextAttemptAt:          &next,
		IncrementQuotaExceeded: true,
		RecordError: &model.ItemError{
			Kind:    "quota_exceeded",
			Message: fmt.Sprintf("%s quota exhausted until %s", outcome.Service, resetAt.Format(time.RFC3339)),
			Service: outcome.Service,
			At:      time.Now(),
		},
		ReleaseLock: true,
		ExtraEvents: []storage.EventDraft{{
			Type: model.EventQuotaExceeded,
			Payload: map[string]any{
				"service":  outcome.Service,
				"reset_at": resetAt.Format(time.RFC3339),
				"stage":    string(item.Stage),
			},
		}},
	}); err != nil {
		w.logger.Warn("quota transition", "work_item_id", item.ID, "error", err)
		w.unlock(ctx, item.ID)
	}
}

// settleFailed applies the retry policy to an item already in Failed:
// suspend on validation, dead-letter on fatal or exhaustion, otherwise
// schedule the retry.
func (w *Worker) settleFailed(ctx context.Context, item *model.WorkItem, class policy.Class, retryAt time.Time) {
	switch class {
	case policy.Validation:
		if _, err := w.transition(ctx, storage.TransitionParams{
			ItemID:          item.ID,
			ExpectedVersion: item.Version,
			From:            state.Failed,
			To:              state.Suspended,
			Stage:           item.Stage,
			Reason:          "validation_failure",
			Actor:           w.id,
		}); err != nil {
			w.logger.Warn("suspend transition", "work_item_id", item.ID, "error", err)
		}
		return

	case policy.Fatal:
		w.deadLetter(ctx, item, "fatal_failure")
		return

	case policy.RateLimit:
		next := retryAt
		if next.IsZero() {
			next = time.Now().Add(w.pol.Base)
		}
		w.scheduleRetry(ctx, item, next, "rate_limited")
		return

	default: // Transient
		if w.pol.Exhausted(class, item.AttemptCount) {
			w.deadLetter(ctx, item, "retries_exhausted")
			return
		}
		next := time.Now().Add(w.pol.Delay(item.AttemptCount))
		w.scheduleRetry(ctx, item, next, "retry_scheduled")
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, item *model.WorkItem, next time.Time, reason string) {
	if _, err := w.transition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Failed,
		To:              state.RetryScheduled,
		Stage:           item.Stage,
		Reason:          reason,
		Actor:           w.id,
		SetNextAttempt:  true,
		NextAttemptAt:   &next,
	}); err != nil {
		w.logger.Warn("retry transition", "work_item_id", item.ID, "error", err)
		return
	}
	itemID := item.ID
	w.metrics.Record(ctx, model.Metric{
		WorkItemID: &itemID,
		Kind:       model.MetricRetryCount,
		Name:       string(item.Stage),
		Value:      float64(item.AttemptCount),
		At:         time.Now(),
	})
}

func (w *Worker) deadLetter(ctx context.Context, item *model.WorkItem, reason string) {
	if _, err := w.transition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Failed,
		To:              state.DeadLettered,
		Stage:           item.Stage,
		Reason:          reason,
		Actor:           w.id,
		DeadLetter:      true,
		ExtraEvents: []storage.EventDraft{{
			Type: model.EventDeadLettered,
			Payload: map[string]any{
				"stage":  string(item.Stage),
				"reason": reason,
			},
		}},
	}); err != nil {
		w.logger.Warn("dead-letter transition", "work_item_id", item.ID, "error", err)
	}
}

// transition wraps CompareAndTransition with bounded backoff for a store
// outage. Conflicts and illegal transitions surface immediately; only
// infrastructure errors are retried, without changing item state.
func (w *Worker) transition(ctx context.Context, params storage.TransitionParams) (*model.WorkItem, error) {
	var item *model.WorkItem
	var err error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		item, err = w.store.CompareAndTransition(ctx, params)
		if err == nil ||
			errors.Is(err, storage.ErrConflict) ||
			errors.Is(err, storage.ErrNotFound) ||
			errors.Is(err, storage.ErrIllegalTransition) {
			return item, err
		}
		w.logger.Warn("store unavailable, backing off", "error", err, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, err
}

func (w *Worker) unlock(ctx context.Context, id uuid.UUID) {
	if err := w.store.ReleaseLock(ctx, id, w.id); err != nil && !errors.Is(err, storage.ErrNotLockHolder) {
		w.logger.Warn("release lock", "work_item_id", id, "error", err)
	}
}

func (w *Worker) recordRunningDuration(ctx context.Context, id uuid.UUID, since time.Time) {
	w.metrics.Record(ctx, model.Metric{
		WorkItemID: &id,
		Kind:       model.MetricStateDuration,
		Name:       string(state.Running),
		Value:      float64(time.Since(since).Milliseconds()),
		At:         time.Now(),
	})
}
