package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/state"
	"github.com/labelsquor/orchestrator/internal/storage"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events []storage.EventDraft
}

func (f *fakeEventStore) InsertEvent(_ context.Context, _ uuid.UUID, e storage.EventDraft) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEventStore) types() []model.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	metrics []model.Metric
}

func (f *fakeRecorder) Record(_ context.Context, m model.Metric) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
}

func (f *fakeRecorder) byKind(kind model.MetricKind) []model.Metric {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Metric
	for _, m := range f.metrics {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testItem(stage state.Stage) *model.WorkItem {
	return &model.WorkItem{
		ID:    uuid.New(),
		State: state.Running,
		Stage: stage,
	}
}

func newTestExecutor(store *fakeEventStore, rec *fakeRecorder, registry Registry, timeout time.Duration) *Executor {
	return NewExecutor(store, registry, rec, timeout, testLogger())
}

func TestExecuteDone(t *testing.T) {
	store := &fakeEventStore{}
	rec := &fakeRecorder{}
	registry := Registry{
		state.Discovery: HandlerFunc(func(context.Context, *model.WorkItem) (Outcome, error) {
			return Done(map[string]any{"pages": 3}), nil
		}),
	}
	ex := newTestExecutor(store, rec, registry, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.Discovery))

	assert.Equal(t, OutcomeDone, outcome.Kind)
	assert.Equal(t, []model.EventType{model.EventStageStarted, model.EventStageComplete}, store.types())
	require.Len(t, rec.byKind(model.MetricStageDuration), 1)
	assert.Equal(t, string(state.Discovery), rec.byKind(model.MetricStageDuration)[0].Name)
}

func TestExecuteMissingHandlerIsFatal(t *testing.T) {
	ex := newTestExecutor(&fakeEventStore{}, &fakeRecorder{}, Registry{}, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.Scoring))

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, policy.Fatal, outcome.Class)
	assert.Contains(t, outcome.Reason, "no handler registered")
}

func TestExecuteClassifiesTypedFailure(t *testing.T) {
	store := &fakeEventStore{}
	rec := &fakeRecorder{}
	registry := Registry{
		state.DataMapping: HandlerFunc(func(context.Context, *model.WorkItem) (Outcome, error) {
			return Outcome{}, &policy.Failure{Class: policy.Validation, Reason: "missing barcode"}
		}),
	}
	ex := newTestExecutor(store, rec, registry, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.DataMapping))

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, policy.Validation, outcome.Class)
	assert.Equal(t, "missing barcode", outcome.Reason)
	assert.Equal(t, []model.EventType{model.EventStageStarted, model.EventStageFailed}, store.types())
	require.Len(t, rec.byKind(model.MetricError), 1)
	assert.Equal(t, string(policy.Validation), rec.byKind(model.MetricError)[0].Name)
}

func TestExecuteWrapsUntypedErrorAsTransient(t *testing.T) {
	registry := Registry{
		state.Enrichment: HandlerFunc(func(context.Context, *model.WorkItem) (Outcome, error) {
			return Outcome{}, errors.New("connection reset by peer")
		}),
	}
	ex := newTestExecutor(&fakeEventStore{}, &fakeRecorder{}, registry, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.Enrichment))

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, policy.Transient, outcome.Class)
	assert.Equal(t, "connection reset by peer", outcome.Reason)
}

func TestExecuteClassifiesQuotaError(t *testing.T) {
	resetAt := time.Now().Add(45 * time.Second)
	registry := Registry{
		state.Enrichment: HandlerFunc(func(context.Context, *model.WorkItem) (Outcome, error) {
			return Outcome{}, &quota.ExceededError{Service: "vision", ResetAt: resetAt}
		}),
	}
	ex := newTestExecutor(&fakeEventStore{}, &fakeRecorder{}, registry, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.Enrichment))

	assert.Equal(t, OutcomeQuota, outcome.Kind)
	assert.Equal(t, "vision", outcome.Service)
	assert.Equal(t, resetAt, outcome.ResetAt)
}

func TestExecuteTimesOutAsTransient(t *testing.T) {
	registry := Registry{
		state.ImageFetch: HandlerFunc(func(ctx context.Context, _ *model.WorkItem) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}),
	}
	ex := newTestExecutor(&fakeEventStore{}, &fakeRecorder{}, registry, 20*time.Millisecond)

	outcome := ex.Execute(context.Background(), testItem(state.ImageFetch))

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, policy.Transient, outcome.Class)
	assert.Equal(t, "timeout", outcome.Reason)
}

func TestExecuteRejectsUnknownOutcomeKind(t *testing.T) {
	registry := Registry{
		state.Indexing: HandlerFunc(func(context.Context, *model.WorkItem) (Outcome, error) {
			return Outcome{Kind: OutcomeKind("shrug")}, nil
		}),
	}
	ex := newTestExecutor(&fakeEventStore{}, &fakeRecorder{}, registry, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.Indexing))

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, policy.Fatal, outcome.Class)
}

func TestExecutePreservesRateLimitRetryHint(t *testing.T) {
	retryAt := time.Now().Add(90 * time.Second)
	registry := Registry{
		state.Enrichment: HandlerFunc(func(context.Context, *model.WorkItem) (Outcome, error) {
			return Outcome{}, &policy.Failure{Class: policy.RateLimit, Reason: "429", RetryAt: retryAt}
		}),
	}
	ex := newTestExecutor(&fakeEventStore{}, &fakeRecorder{}, registry, time.Second)

	outcome := ex.Execute(context.Background(), testItem(state.Enrichment))

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, policy.RateLimit, outcome.Class)
	assert.Equal(t, retryAt, outcome.RetryAt)
}
