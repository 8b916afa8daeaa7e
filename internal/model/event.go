package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the durable outbox event kinds.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventStageStarted  EventType = "stage_started"
	EventStageComplete EventType = "stage_completed"
	EventStageFailed   EventType = "stage_failed"
	EventQuotaExceeded EventType = "quota_exceeded"
	EventResumed       EventType = "resumed"
	EventLocked        EventType = "locked"
	EventUnlocked      EventType = "unlocked"
	EventDeadLettered  EventType = "dead_lettered"
)

// Event is a durable outbox record. Rows are inserted in the same transaction
// as the state change that produced them; a separate delivery loop fans them
// out to subscribers and marks them delivered. The bigserial ID doubles as
// the per-item ordering key.
type Event struct {
	ID           int64
	WorkItemID   uuid.UUID
	Type         EventType
	Payload      map[string]any
	At           time.Time
	Delivered    bool
	Attempts     int
	DeliverAfter time.Time
}

// MetricKind enumerates the numeric observation kinds.
type MetricKind string

const (
	MetricStateDuration MetricKind = "state_duration_ms"
	MetricStageDuration MetricKind = "stage_duration_ms"
	MetricRetryCount    MetricKind = "retry_count"
	MetricError         MetricKind = "error"
)

// Metric is a single numeric observation. WorkItemID is nil for system-level
// observations.
type Metric struct {
	ID         int64
	WorkItemID *uuid.UUID
	Kind       MetricKind
	Name       string
	Value      float64
	At         time.Time
}
