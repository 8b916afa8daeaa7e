package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/state"
	"github.com/labelsquor/orchestrator/internal/storage"
	"github.com/labelsquor/orchestrator/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		// Integration tests skip themselves when no database is available.
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("integration test requires Docker; run without -short")
	}
}

// newReadyItem inserts an item and walks it Created → Ready.
func newReadyItem(t *testing.T, priority int) *model.WorkItem {
	t.Helper()
	ctx := context.Background()

	item := &model.WorkItem{
		ID:       uuid.New(),
		Priority: priority,
		State:    state.Created,
		Stage:    state.Discovery,
		Payload:  map[string]any{"product_version": uuid.NewString()},
	}
	require.NoError(t, testDB.InsertWorkItem(ctx, item))

	ready, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: 1,
		From:            state.Created,
		To:              state.Ready,
		Reason:          "enqueued",
		Actor:           "test",
	})
	require.NoError(t, err)
	return ready
}

func TestCompareAndTransitionHappyPath(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 5)
	assert.Equal(t, state.Ready, item.State)
	assert.Equal(t, int64(2), item.Version)

	running, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Stage:           item.Stage,
		Reason:          "dispatched",
		Actor:           "worker-1",
	})
	require.NoError(t, err)
	assert.Equal(t, state.Running, running.State)
	assert.Equal(t, int64(3), running.Version)
	require.NotNil(t, running.StartedAt)

	history, err := testDB.TransitionHistory(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, state.Created, history[0].FromState)
	assert.Equal(t, state.Ready, history[0].ToState)
	assert.Equal(t, state.Running, history[1].ToState)

	events, err := testDB.EventsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, model.EventStateChanged, e.Type)
		assert.False(t, e.Delivered)
	}
}

func TestCompareAndTransitionConflictOnStaleVersion(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)

	_, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "worker-1",
	})
	require.NoError(t, err)

	// A second claimant with the stale version loses.
	_, err = testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "worker-2",
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// The loser changed nothing.
	history, err := testDB.TransitionHistory(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCompareAndTransitionRejectsIllegalEdge(t *testing.T) {
	requireDB(t)

	item := newReadyItem(t, 0)
	_, err := testDB.CompareAndTransition(context.Background(), storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Completed,
		Reason:          "shortcut",
		Actor:           "test",
	})
	assert.ErrorIs(t, err, storage.ErrIllegalTransition)
}

func TestCompareAndTransitionNotFound(t *testing.T) {
	requireDB(t)

	_, err := testDB.CompareAndTransition(context.Background(), storage.TransitionParams{
		ItemID:          uuid.New(),
		ExpectedVersion: 1,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "test",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompareAndTransitionSideEffects(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)
	running, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "worker-1",
	})
	require.NoError(t, err)

	next := state.ImageFetch
	ready, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          running.ID,
		ExpectedVersion: running.Version,
		From:            state.Running,
		To:              state.Ready,
		Stage:           state.Discovery,
		SetStage:        &next,
		Reason:          "stage_complete",
		Actor:           "worker-1",
		PartialResults:  map[string]any{"discovery": map[string]any{"pages": float64(2)}},
	})
	require.NoError(t, err)

	assert.Equal(t, state.ImageFetch, ready.Stage)
	assert.Equal(t, map[string]any{"pages": float64(2)}, ready.PartialResults["discovery"])
}

func TestRecordErrorAccumulatesChain(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)
	running, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "worker-1",
	})
	require.NoError(t, err)

	failed, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:           running.ID,
		ExpectedVersion:  running.Version,
		From:             state.Running,
		To:               state.Failed,
		Reason:           "connection reset",
		Actor:            "worker-1",
		IncrementAttempt: true,
		RecordError: &model.ItemError{
			Kind: "transient", Message: "connection reset", At: time.Now(),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "transient", failed.LastError.Kind)
	require.Len(t, failed.ErrorChain, 1)
}

func TestDeadLetterCoCommit(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)
	running, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "worker-1",
	})
	require.NoError(t, err)

	failed, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          running.ID,
		ExpectedVersion: running.Version,
		From:            state.Running,
		To:              state.Failed,
		Reason:          "missing dependency",
		Actor:           "worker-1",
		RecordError: &model.ItemError{
			Kind: "fatal", Message: "missing dependency", At: time.Now(),
		},
		ReleaseLock: true,
	})
	require.NoError(t, err)

	dead, err := testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          failed.ID,
		ExpectedVersion: failed.Version,
		From:            state.Failed,
		To:              state.DeadLettered,
		Reason:          "fatal_failure",
		Actor:           "worker-1",
		DeadLetter:      true,
		ExtraEvents: []storage.EventDraft{{
			Type:    model.EventDeadLettered,
			Payload: map[string]any{"reason": "fatal_failure"},
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, dead.CompletedAt)

	letters, err := testDB.DeadLetters(ctx, 50)
	require.NoError(t, err)
	var found bool
	for _, l := range letters {
		if l.WorkItemID == item.ID {
			found = true
			require.Len(t, l.ErrorChain, 1)
			assert.Equal(t, "fatal", l.ErrorChain[0].Kind)
		}
	}
	assert.True(t, found, "dead letter row should exist")

	events, err := testDB.EventsForItem(ctx, item.ID)
	require.NoError(t, err)
	var sawDeadLettered bool
	for _, e := range events {
		if e.Type == model.EventDeadLettered {
			sawDeadLettered = true
		}
	}
	assert.True(t, sawDeadLettered)
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)

	grant, err := testDB.AcquireLock(ctx, item.ID, "w1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, grant.Reclaimed)

	_, err = testDB.AcquireLock(ctx, item.ID, "w2", 30*time.Second)
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	// Re-acquiring a live lease conflicts even for the holder; ExtendLock is
	// the renewal path.
	_, err = testDB.AcquireLock(ctx, item.ID, "w1", 30*time.Second)
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	require.NoError(t, testDB.ExtendLock(ctx, item.ID, "w1", 60*time.Second))
	assert.ErrorIs(t, testDB.ExtendLock(ctx, item.ID, "w2", 60*time.Second), storage.ErrNotLockHolder)

	require.NoError(t, testDB.ReleaseLock(ctx, item.ID, "w1"))
	assert.ErrorIs(t, testDB.ReleaseLock(ctx, item.ID, "w1"), storage.ErrNotLockHolder)
}

func TestAcquireLockReclaimsExpiredLease(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)

	_, err := testDB.AcquireLock(ctx, item.ID, "w1", time.Second)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	grant, err := testDB.AcquireLock(ctx, item.ID, "w2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, grant.Reclaimed)
	assert.Equal(t, "w1", grant.PrevHolder)
}

func TestAcquireLockNotFound(t *testing.T) {
	requireDB(t)

	_, err := testDB.AcquireLock(context.Background(), uuid.New(), "w1", time.Second)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimReadyOrdersByPriorityThenAge(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	low := newReadyItem(t, 1)
	high := newReadyItem(t, 900)

	claims, err := testDB.ClaimReady(ctx, 200)
	require.NoError(t, err)

	posOf := func(id uuid.UUID) int {
		for i, c := range claims {
			if c.ID == id {
				return i
			}
		}
		return -1
	}
	highPos, lowPos := posOf(high.ID), posOf(low.ID)
	require.GreaterOrEqual(t, highPos, 0)
	require.GreaterOrEqual(t, lowPos, 0)
	assert.Less(t, highPos, lowPos, "higher priority claims first")
}

func TestClaimReadyExcludesLockedAndScheduled(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	locked := newReadyItem(t, 500)
	_, err := testDB.AcquireLock(ctx, locked.ID, "w1", 30*time.Second)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	scheduled := newReadyItem(t, 500)
	_, err = testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          scheduled.ID,
		ExpectedVersion: scheduled.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "w1",
	})
	require.NoError(t, err)
	scheduled, err = testDB.GetWorkItem(ctx, scheduled.ID)
	require.NoError(t, err)
	_, err = testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:           scheduled.ID,
		ExpectedVersion:  scheduled.Version,
		From:             state.Running,
		To:               state.Failed,
		Reason:           "transient",
		Actor:            "w1",
		IncrementAttempt: true,
	})
	require.NoError(t, err)
	scheduled, err = testDB.GetWorkItem(ctx, scheduled.ID)
	require.NoError(t, err)
	_, err = testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          scheduled.ID,
		ExpectedVersion: scheduled.Version,
		From:            state.Failed,
		To:              state.RetryScheduled,
		Reason:          "retry_scheduled",
		Actor:           "w1",
		SetNextAttempt:  true,
		NextAttemptAt:   &future,
	})
	require.NoError(t, err)

	claims, err := testDB.ClaimReady(ctx, 500)
	require.NoError(t, err)
	for _, c := range claims {
		assert.NotEqual(t, locked.ID, c.ID, "locked item must not be claimable")
		assert.NotEqual(t, scheduled.ID, c.ID, "scheduled item must not be claimable")
	}
}

func TestClaimReadyIncludesExpiredRunningForReclaim(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 950)
	_, err := testDB.AcquireLock(ctx, item.ID, "w1", time.Second)
	require.NoError(t, err)
	_, err = testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "w1",
	})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	claims, err := testDB.ClaimReady(ctx, 500)
	require.NoError(t, err)
	var found bool
	for _, c := range claims {
		if c.ID == item.ID {
			found = true
			assert.Equal(t, state.Running, c.State)
		}
	}
	assert.True(t, found, "expired Running item should be electable for reclaim")
}

func TestRequestCancel(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)

	// Not running yet: conflict.
	_, err := testDB.RequestCancel(ctx, item.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = testDB.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: item.Version,
		From:            state.Ready,
		To:              state.Running,
		Reason:          "dispatched",
		Actor:           "w1",
	})
	require.NoError(t, err)

	flagged, err := testDB.RequestCancel(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)

	_, err = testDB.RequestCancel(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOutboxDeliveryCycle(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 0)
	require.NoError(t, testDB.InsertEvent(ctx, item.ID, storage.EventDraft{
		Type:    model.EventStageStarted,
		Payload: map[string]any{"stage": "discovery"},
	}))

	undelivered, err := testDB.UndeliveredEvents(ctx, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, undelivered)

	var mine []int64
	for _, e := range undelivered {
		if e.WorkItemID == item.ID {
			mine = append(mine, e.ID)
		}
	}
	require.Len(t, mine, 2) // state_changed from enqueue + stage_started

	// Defer pushes them out of the due set.
	require.NoError(t, testDB.DeferEvents(ctx, mine))
	undelivered, err = testDB.UndeliveredEvents(ctx, 1000)
	require.NoError(t, err)
	for _, e := range undelivered {
		assert.NotEqual(t, item.ID, e.WorkItemID)
	}

	require.NoError(t, testDB.MarkEventsDelivered(ctx, mine))
	events, err := testDB.EventsForItem(ctx, item.ID)
	require.NoError(t, err)
	for _, e := range events {
		assert.True(t, e.Delivered)
		assert.Equal(t, 1, e.Attempts)
	}
}

func TestQuotaCounterRollforward(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	service := "svc-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	for _, c := range []model.QuotaCounter{
		{Service: service, Window: model.WindowPerMinute, Resource: model.ResourceTokens, Limit: 1000, WindowStart: model.WindowPerMinute.Start(now)},
		{Service: service, Window: model.WindowPerMinute, Resource: model.ResourceRequests, Limit: 10, WindowStart: model.WindowPerMinute.Start(now)},
		{Service: service, Window: model.WindowPerDay, Resource: model.ResourceTokens, Limit: 100000, WindowStart: model.WindowPerDay.Start(now)},
		{Service: service, Window: model.WindowPerDay, Resource: model.ResourceRequests, Limit: 1000, WindowStart: model.WindowPerDay.Start(now)},
	} {
		require.NoError(t, testDB.EnsureQuotaCounter(ctx, c))
	}

	item := newReadyItem(t, 0)
	require.NoError(t, testDB.RecordQuotaUsage(ctx, model.QuotaUsage{
		Service:      service,
		WorkItemID:   item.ID,
		InputTokens:  300,
		OutputTokens: 200,
		ImageCount:   2,
		Cost:         0.0123,
		At:           now,
	}))

	counters, err := testDB.QuotaCounters(ctx, service)
	require.NoError(t, err)
	require.Len(t, counters, 4)
	for _, c := range counters {
		switch c.Resource {
		case model.ResourceTokens:
			assert.Equal(t, int64(500), c.Used, "window %s", c.Window)
		case model.ResourceRequests:
			assert.Equal(t, int64(1), c.Used, "window %s", c.Window)
		}
	}

	// A usage stamped in the next minute window rolls the minute counters
	// forward instead of accumulating.
	later := now.Add(time.Minute)
	require.NoError(t, testDB.RecordQuotaUsage(ctx, model.QuotaUsage{
		Service:     service,
		WorkItemID:  item.ID,
		InputTokens: 50,
		At:          later,
	}))

	counters, err = testDB.QuotaCounters(ctx, service)
	require.NoError(t, err)
	for _, c := range counters {
		if c.Window == model.WindowPerMinute && c.Resource == model.ResourceTokens {
			assert.Equal(t, int64(50), c.Used)
			assert.Equal(t, model.WindowPerMinute.Start(later), c.WindowStart.UTC())
		}
		if c.Window == model.WindowPerDay && c.Resource == model.ResourceTokens {
			assert.Equal(t, int64(550), c.Used)
		}
	}

	history, err := testDB.QuotaUsageHistory(ctx, service, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, history)
	var totalRequests int64
	for _, b := range history {
		totalRequests += b.Requests
	}
	assert.Equal(t, int64(2), totalRequests)
}

func TestEnsureQuotaCounterPreservesUsage(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	service := "svc-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	counter := model.QuotaCounter{
		Service: service, Window: model.WindowPerMinute, Resource: model.ResourceTokens,
		Limit: 1000, WindowStart: model.WindowPerMinute.Start(now),
	}
	require.NoError(t, testDB.EnsureQuotaCounter(ctx, counter))
	for _, c := range []model.QuotaCounter{
		{Service: service, Window: model.WindowPerMinute, Resource: model.ResourceRequests, Limit: 10, WindowStart: model.WindowPerMinute.Start(now)},
		{Service: service, Window: model.WindowPerDay, Resource: model.ResourceTokens, Limit: 100000, WindowStart: model.WindowPerDay.Start(now)},
		{Service: service, Window: model.WindowPerDay, Resource: model.ResourceRequests, Limit: 1000, WindowStart: model.WindowPerDay.Start(now)},
	} {
		require.NoError(t, testDB.EnsureQuotaCounter(ctx, c))
	}

	item := newReadyItem(t, 0)
	require.NoError(t, testDB.RecordQuotaUsage(ctx, model.QuotaUsage{
		Service: service, WorkItemID: item.ID, InputTokens: 100, At: now,
	}))

	// Re-seeding with a new limit keeps the accumulated usage.
	counter.Limit = 2000
	require.NoError(t, testDB.EnsureQuotaCounter(ctx, counter))

	counters, err := testDB.QuotaCounters(ctx, service)
	require.NoError(t, err)
	for _, c := range counters {
		if c.Window == model.WindowPerMinute && c.Resource == model.ResourceTokens {
			assert.Equal(t, int64(2000), c.Limit)
			assert.Equal(t, int64(100), c.Used)
		}
	}
}

func TestListWorkItemsFilters(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	item := newReadyItem(t, 700)

	items, err := testDB.ListWorkItems(ctx, storage.ListFilter{
		States: []state.State{state.Ready},
		Limit:  500,
	})
	require.NoError(t, err)
	var found bool
	for _, it := range items {
		assert.Equal(t, state.Ready, it.State)
		if it.ID == item.ID {
			found = true
		}
	}
	assert.True(t, found)

	minPriority := 100000
	items, err = testDB.ListWorkItems(ctx, storage.ListFilter{MinPriority: &minPriority})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestViews(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	newReadyItem(t, 0)

	dist, err := testDB.StateDistribution(ctx)
	require.NoError(t, err)
	assert.Greater(t, dist[state.Ready], int64(0))

	depth, err := testDB.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Greater(t, depth, int64(0))

	require.NoError(t, testDB.InsertMetric(ctx, model.Metric{
		Kind: model.MetricStageDuration, Name: "discovery", Value: 120, At: time.Now(),
	}))
	n, err := testDB.InsertMetricsBatch(ctx, []model.Metric{
		{Kind: model.MetricStageDuration, Name: "discovery", Value: 80, At: time.Now()},
		{Kind: model.MetricError, Name: "transient", Value: 1, At: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := testDB.DurationStats(ctx, string(model.MetricStageDuration), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	var sawDiscovery bool
	for _, s := range stats {
		if s.Name == "discovery" {
			sawDiscovery = true
			assert.GreaterOrEqual(t, s.Count, int64(2))
		}
	}
	assert.True(t, sawDiscovery)

	breakdown, err := testDB.ErrorBreakdown(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Greater(t, breakdown["transient"], int64(0))
}
