package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// State is a work item's position in the orchestrator state machine.
type State string

const (
	StateCreated        State = "created"
	StateReady          State = "ready"
	StateRunning        State = "running"
	StateWaiting        State = "waiting"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateRetryScheduled State = "retry_scheduled"
	StateQuotaExceeded  State = "quota_exceeded"
	StateSuspended      State = "suspended"
	StateCancelled      State = "cancelled"
	StateDeadLettered   State = "dead_lettered"
)

// Stage is a named, ordered pipeline step. Stages execute in declaration
// order while an item is running.
type Stage string

const (
	StageDiscovery    Stage = "discovery"
	StageImageFetch   Stage = "image_fetch"
	StageEnrichment   Stage = "enrichment"
	StageDataMapping  Stage = "data_mapping"
	StageScoring      Stage = "scoring"
	StageIndexing     Stage = "indexing"
	StageNotification Stage = "notification"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{
		StageDiscovery, StageImageFetch, StageEnrichment, StageDataMapping,
		StageScoring, StageIndexing, StageNotification,
	}
}

// FailureClass decides what happens to an item after a stage fails.
type FailureClass string

const (
	FailureTransient  FailureClass = "transient"
	FailureRateLimit  FailureClass = "rate_limit"
	FailureValidation FailureClass = "validation"
	FailureFatal      FailureClass = "fatal"
)

// ItemError is the most recent error recorded against an item.
type ItemError struct {
	Kind    string
	Message string
	Service string
	At      time.Time
}

// Item is the public snapshot of a work item. Stage handlers receive it
// read-only; mutations happen exclusively through orchestrator transitions.
type Item struct {
	ID                 uuid.UUID
	Priority           int
	State              State
	Stage              Stage
	AttemptCount       int
	QuotaExceededCount int
	Version            int64

	EnqueuedAt    time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	NextAttemptAt *time.Time

	LockHolder     *string
	CancelRequested bool

	Payload        map[string]any
	PartialResults map[string]any
	ErrorChain     []ItemError
	LastError      *ItemError
	Metadata       map[string]any
}

// TransitionRecord is one immutable audit entry of an item's history.
type TransitionRecord struct {
	ID        uuid.UUID
	FromState State
	ToState   State
	Stage     Stage
	Reason    string
	Metadata  map[string]any
	Actor     string
	At        time.Time
}

// Event is a delivered outbox event as seen by subscribers.
type Event struct {
	ID         int64
	WorkItemID uuid.UUID
	Type       string
	Payload    map[string]any
	At         time.Time
}

// DeadLetterRecord is an item that exhausted its retry budget.
type DeadLetterRecord struct {
	ID         int64
	WorkItemID uuid.UUID
	Payload    map[string]any
	ErrorChain []ItemError
	At         time.Time
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	States      []State
	Stages      []Stage
	MinPriority *int
	MaxAge      time.Duration
	Limit       int
	Offset      int
}

// LatencyStats aggregates one duration series (a stage or a state).
type LatencyStats struct {
	Name  string
	Count int64
	AvgMs float64
	P50Ms float64
	P95Ms float64
}

// ThroughputBucket is one hour of completions.
type ThroughputBucket struct {
	Hour      time.Time
	Completed int64
}

// MetricsReport is the read-only aggregate view over a trailing window.
type MetricsReport struct {
	Since              time.Time
	StateDistribution  map[State]int64
	StageLatency       []LatencyStats
	StateDurations     []LatencyStats
	Throughput         []ThroughputBucket
	ErrorBreakdown     map[string]int64
	QuotaExceededCount int64
}

// QuotaWindowStatus is the utilization of one quota window of one service.
type QuotaWindowStatus struct {
	Window     string // per_minute | per_day
	Resource   string // tokens | requests
	Used       int64
	Limit      int64
	Remaining  int64
	Percentage float64
	ResetAt    time.Time
}

// UsageBucket is one hour of aggregated external-service usage.
type UsageBucket struct {
	Hour        time.Time
	Requests    int64
	TotalTokens int64
	TotalCost   float64
}

// Usage is the actual cost of one external call, reported by a stage handler
// after the call returns.
type Usage struct {
	WorkItemID   uuid.UUID
	InputTokens  int64
	OutputTokens int64
	ImageCount   int
}

// Outcome is a stage handler's normalized result.
type Outcome struct {
	kind         string
	summary      map[string]any
	class        FailureClass
	reason       string
	retryAt      time.Time
	service      string
	resetAt      time.Time
	continueNext bool
}

// StageDone reports a completed stage with its output summary. The summary
// is persisted into the item's partial results under the stage key.
func StageDone(summary map[string]any) Outcome {
	return Outcome{kind: "done", summary: summary}
}

// StageFailed reports a classified failure. The class drives the retry
// policy: transient backs off, validation suspends, fatal dead-letters.
func StageFailed(class FailureClass, reason string) Outcome {
	return Outcome{kind: "failed", class: class, reason: reason}
}

// QuotaExceeded parks the item until the service's quota window resets,
// preserving whatever partial output the stage produced.
func QuotaExceeded(service string, resetAt time.Time, partial map[string]any) Outcome {
	return Outcome{kind: "quota_exceeded", service: service, resetAt: resetAt, summary: partial}
}

// StagePartial reports recordable progress. continueNext advances the
// pipeline anyway; otherwise the same stage runs again on the next dispatch.
func StagePartial(summary map[string]any, continueNext bool) Outcome {
	return Outcome{kind: "partial", summary: summary, continueNext: continueNext}
}

// StageYield parks the item in Waiting until an external Wake call.
func StageYield(reason string) Outcome {
	return Outcome{kind: "yield", reason: reason}
}
