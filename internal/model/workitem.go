// Package model holds the internal entity structs persisted by the storage
// layer: work items, transitions, events, metrics, quota counters, and dead
// letters. Structs here map 1:1 to table rows.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/state"
)

// ItemError is the most recent error recorded against a work item.
// Service is set only for quota exhaustion, naming the exhausted external
// service so the resume sweeper knows which quota to consult.
type ItemError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Service string    `json:"service,omitempty"`
	At      time.Time `json:"at"`
}

// WorkItem is the unit orchestrated through the pipeline. The row is the only
// mutable shared state in the system; every state mutation goes through the
// store's compare-and-transition primitive keyed on Version.
type WorkItem struct {
	ID                 uuid.UUID
	Priority           int
	State              state.State
	Stage              state.Stage
	AttemptCount       int
	QuotaExceededCount int
	Version            int64

	EnqueuedAt    time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	NextAttemptAt *time.Time

	LockHolder     *string
	LockAcquiredAt *time.Time
	LockExpiresAt  *time.Time

	CancelRequested bool

	// Payload is the opaque reference handed to stage handlers, e.g. a
	// product version identifier. The orchestrator never inspects it.
	Payload map[string]any

	// PartialResults maps completed-stage name → stage output summary.
	// Preserved across quota interruptions so a resumed run skips redone work.
	PartialResults map[string]any

	// ErrorChain accumulates every failure recorded against the item, oldest
	// first. Copied into the dead_letter row on exhaustion.
	ErrorChain []ItemError

	LastError *ItemError

	Metadata map[string]any
}

// LockedBy reports whether worker currently appears as the lock holder.
// Informational only — mutual exclusion is enforced by the store, never by
// comparing clocks in application code.
func (w *WorkItem) LockedBy(worker string) bool {
	return w.LockHolder != nil && *w.LockHolder == worker
}

// Transition is an immutable audit record of one state change. Append-only.
type Transition struct {
	ID         uuid.UUID
	WorkItemID uuid.UUID
	FromState  state.State
	ToState    state.State
	Stage      state.Stage
	Reason     string
	Metadata   map[string]any
	Actor      string
	At         time.Time
}

// DeadLetter records an item that exhausted its retry budget, with the error
// chain that got it there and the payload at time of death.
type DeadLetter struct {
	ID         int64
	WorkItemID uuid.UUID
	Payload    map[string]any
	ErrorChain []ItemError
	At         time.Time
}
