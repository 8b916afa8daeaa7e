package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"created to ready", Created, Ready, true},
		{"ready to running", Ready, Running, true},
		{"running back to ready", Running, Ready, true},
		{"running to completed", Running, Completed, true},
		{"running to waiting", Running, Waiting, true},
		{"running to quota exceeded", Running, QuotaExceeded, true},
		{"failed to retry scheduled", Failed, RetryScheduled, true},
		{"failed to suspended", Failed, Suspended, true},
		{"failed to dead lettered", Failed, DeadLettered, true},
		{"failed to ready manual retry", Failed, Ready, true},
		{"retry scheduled to ready", RetryScheduled, Ready, true},
		{"quota exceeded to ready", QuotaExceeded, Ready, true},
		{"suspended to ready", Suspended, Ready, true},
		{"waiting to ready", Waiting, Ready, true},
		{"ready to cancelled", Ready, Cancelled, true},
		{"created to running skips queue", Created, Running, false},
		{"ready to completed skips running", Ready, Completed, false},
		{"completed is terminal", Completed, Ready, false},
		{"cancelled is terminal", Cancelled, Ready, false},
		{"dead lettered is terminal", DeadLettered, Ready, false},
		{"running to suspended is two hops", Running, Suspended, false},
		{"quota exceeded to running", QuotaExceeded, Running, false},
		{"unknown state", State("bogus"), Ready, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	for _, s := range []State{Completed, Cancelled, DeadLettered} {
		assert.True(t, IsTerminal(s), "%s should be terminal", s)
		assert.Empty(t, Successors(s))
	}
	for _, s := range []State{Created, Ready, Running, Waiting, Failed, RetryScheduled, QuotaExceeded, Suspended} {
		assert.False(t, IsTerminal(s), "%s should not be terminal", s)
	}
}

func TestEveryNonTerminalStateCanCancel(t *testing.T) {
	for s := range map[State]struct{}{
		Created: {}, Ready: {}, Running: {}, Waiting: {}, Failed: {},
		RetryScheduled: {}, QuotaExceeded: {}, Suspended: {},
	} {
		assert.True(t, CanTransition(s, Cancelled), "cancel from %s", s)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Ready))
	assert.True(t, Valid(DeadLettered))
	assert.False(t, Valid(State("nope")))
	assert.False(t, Valid(State("")))
}

func TestStageOrder(t *testing.T) {
	want := []Stage{Discovery, ImageFetch, Enrichment, DataMapping, Scoring, Indexing, Notification}
	require.Equal(t, want, Stages())

	for i, s := range want {
		assert.Equal(t, i, s.Index())
	}
	assert.Equal(t, -1, Stage("bogus").Index())
}

func TestStageNext(t *testing.T) {
	next, ok := Discovery.Next()
	require.True(t, ok)
	assert.Equal(t, ImageFetch, next)

	next, ok = Indexing.Next()
	require.True(t, ok)
	assert.Equal(t, Notification, next)

	_, ok = Notification.Next()
	assert.False(t, ok)
	_, ok = Stage("bogus").Next()
	assert.False(t, ok)
}

func TestIsFinal(t *testing.T) {
	assert.True(t, Notification.IsFinal())
	assert.False(t, Discovery.IsFinal())
	assert.False(t, Stage("bogus").IsFinal())
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0.0, Progress(Discovery))
	assert.InDelta(t, 2.0/7.0, Progress(Enrichment), 1e-9)
	assert.InDelta(t, 6.0/7.0, Progress(Notification), 1e-9)
	assert.Equal(t, 0.0, Progress(Stage("bogus")))
}
