package journal

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
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]model.Metric
	fail    bool
}

func (f *fakeSink) InsertMetricsBatch(_ context.Context, metrics []model.Metric) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("postgres unavailable")
	}
	f.batches = append(f.batches, metrics)
	return int64(len(metrics)), nil
}

func (f *fakeSink) all() []model.Metric {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Metric
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestJournal(t *testing.T, sink Sink) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), sink, testLogger(), time.Second, 500)
	require.NoError(t, err)
	return j
}

func TestRecordAndFlush(t *testing.T) {
	sink := &fakeSink{}
	j := openTestJournal(t, sink)
	defer j.db.Close()

	ctx := context.Background()
	itemID := uuid.New()
	j.Record(ctx, model.Metric{
		WorkItemID: &itemID,
		Kind:       model.MetricStageDuration,
		Name:       "enrichment",
		Value:      512.5,
	})
	j.Record(ctx, model.Metric{
		Kind:  model.MetricError,
		Name:  "transient",
		Value: 1,
	})

	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	j.Flush(ctx)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, model.MetricStageDuration, got[0].Kind)
	assert.Equal(t, "enrichment", got[0].Name)
	assert.InDelta(t, 512.5, got[0].Value, 1e-9)
	require.NotNil(t, got[0].WorkItemID)
	assert.Equal(t, itemID, *got[0].WorkItemID)
	assert.Nil(t, got[1].WorkItemID)

	pending, err = j.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFlushKeepsRowsOnSinkFailure(t *testing.T) {
	sink := &fakeSink{fail: true}
	j := openTestJournal(t, sink)
	defer j.db.Close()

	ctx := context.Background()
	j.Record(ctx, model.Metric{Kind: model.MetricRetryCount, Name: "retries", Value: 1})

	j.Flush(ctx)

	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "failed flush must keep the row")

	// Sink recovers; next flush drains.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	j.Flush(ctx)

	pending, err = j.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Len(t, sink.all(), 1)
}

func TestFlushBatches(t *testing.T) {
	sink := &fakeSink{}
	j, err := Open(t.TempDir(), sink, testLogger(), time.Second, 10)
	require.NoError(t, err)
	defer j.db.Close()

	ctx := context.Background()
	for i := range 25 {
		j.Record(ctx, model.Metric{Kind: model.MetricStateDuration, Name: "ready", Value: float64(i)})
	}

	j.Flush(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[0], 10)
	assert.Len(t, sink.batches[2], 5)
}

func TestPendingRowsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{fail: true}

	j, err := Open(dir, sink, testLogger(), time.Second, 500)
	require.NoError(t, err)
	j.Record(context.Background(), model.Metric{Kind: model.MetricError, Name: "fatal", Value: 1})
	require.NoError(t, j.db.Close())

	sink.fail = false
	j2, err := Open(dir, sink, testLogger(), time.Second, 500)
	require.NoError(t, err)
	defer j2.db.Close()

	j2.Flush(context.Background())
	assert.Len(t, sink.all(), 1)
}

func TestStartAndDrain(t *testing.T) {
	sink := &fakeSink{}
	j := openTestJournal(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	j.Start(ctx) // no-op

	j.Record(context.Background(), model.Metric{Kind: model.MetricError, Name: "validation", Value: 1})

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	j.Drain(drainCtx)

	assert.Len(t, sink.all(), 1)
}
