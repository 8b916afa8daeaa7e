// Package state defines the orchestrator's finite state machine: the closed
// set of workflow states, the ordered pipeline stages, and the legal-transition
// table. Pure logic, no I/O — the durable store enforces these rules inside
// its compare-and-transition primitive.
package state

// State is a work item's position in the orchestrator state machine.
type State string

const (
	Created        State = "created"
	Ready          State = "ready"
	Running        State = "running"
	Waiting        State = "waiting"
	Completed      State = "completed"
	Failed         State = "failed"
	RetryScheduled State = "retry_scheduled"
	QuotaExceeded  State = "quota_exceeded"
	Suspended      State = "suspended"
	Cancelled      State = "cancelled"
	DeadLettered   State = "dead_lettered"
)

// Stage is a named, ordered step of the pipeline executed while an item is
// Running. Stage is orthogonal to State.
type Stage string

const (
	Discovery    Stage = "discovery"
	ImageFetch   Stage = "image_fetch"
	Enrichment   Stage = "enrichment"
	DataMapping  Stage = "data_mapping"
	Scoring      Stage = "scoring"
	Indexing     Stage = "indexing"
	Notification Stage = "notification"
)

// stages is the pipeline in execution order.
var stages = []Stage{
	Discovery,
	ImageFetch,
	Enrichment,
	DataMapping,
	Scoring,
	Indexing,
	Notification,
}

// transitions is the fixed legal-transition table. A transition absent from
// this table is illegal regardless of caller.
//
// Cancellation is reachable from every non-terminal state; the Running edge
// is only ever taken by a worker observing a cancellation request at a stage
// boundary — ingress callers cancel Running items by setting the request flag.
// The Failed → Ready edge is the manual-retry path.
var transitions = map[State][]State{
	Created:        {Ready, Cancelled},
	Ready:          {Running, Cancelled},
	Running:        {Completed, Ready, Waiting, Failed, QuotaExceeded, Cancelled},
	Waiting:        {Ready, Cancelled},
	Failed:         {RetryScheduled, Suspended, DeadLettered, Ready, Cancelled},
	RetryScheduled: {Ready, Cancelled},
	QuotaExceeded:  {Ready, Cancelled},
	Suspended:      {Ready, Cancelled},
	Completed:      nil,
	Cancelled:      nil,
	DeadLettered:   nil,
}

// CanTransition reports whether from → to is in the legal-transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a sink: no outbound transitions exist.
func IsTerminal(s State) bool {
	out, ok := transitions[s]
	return ok && len(out) == 0
}

// Valid reports whether s is a member of the closed state set.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Successors returns the legal target states from s, in table order.
func Successors(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s Stage) bool {
	return s.Index() >= 0
}

// Index returns the zero-based position of s in the pipeline, or -1 if s is
// not a pipeline stage.
func (s Stage) Index() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. ok is false when s is the final stage
// (or not a pipeline stage at all).
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Index()
	if i < 0 || i == len(stages)-1 {
		return "", false
	}
	return stages[i+1], true
}

// IsFinal reports whether s is the last pipeline stage.
func (s Stage) IsFinal() bool {
	return s.Index() == len(stages)-1
}

// Progress returns the fraction of the pipeline completed when current is the
// next stage to run, in [0, 1]. With Discovery and ImageFetch done and
// Enrichment pending, progress is 2/7.
func Progress(current Stage) float64 {
	i := current.Index()
	if i < 0 {
		return 0
	}
	return float64(i) / float64(len(stages))
}
