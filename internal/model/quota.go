package model

import (
	"time"

	"github.com/google/uuid"
)

// QuotaWindow is a tumbling usage window, aligned to UTC boundaries.
type QuotaWindow string

const (
	WindowPerMinute QuotaWindow = "per_minute"
	WindowPerDay    QuotaWindow = "per_day"
)

// Length returns the window's duration.
func (w QuotaWindow) Length() time.Duration {
	switch w {
	case WindowPerMinute:
		return time.Minute
	case WindowPerDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Start returns the UTC-aligned start of the window containing now.
func (w QuotaWindow) Start(now time.Time) time.Time {
	return now.UTC().Truncate(w.Length())
}

// QuotaResource is the unit being limited within a window.
type QuotaResource string

const (
	ResourceTokens   QuotaResource = "tokens"
	ResourceRequests QuotaResource = "requests"
)

// QuotaCounter tracks usage of one resource of one external service in one
// tumbling window. On read, a counter whose window has lapsed is treated as
// zero; the row is rolled forward on the next increment.
type QuotaCounter struct {
	Service     string
	Window      QuotaWindow
	Resource    QuotaResource
	Limit       int64
	Used        int64
	WindowStart time.Time
}

// Expired reports whether the counter's window has lapsed at now.
func (c QuotaCounter) Expired(now time.Time) bool {
	return !now.UTC().Before(c.WindowStart.Add(c.Window.Length()))
}

// Remaining returns limit minus used, floored at zero, treating an expired
// window as unused.
func (c QuotaCounter) Remaining(now time.Time) int64 {
	used := c.Used
	if c.Expired(now) {
		used = 0
	}
	if rem := c.Limit - used; rem > 0 {
		return rem
	}
	return 0
}

// ResetAt returns the instant the counter's current window tumbles.
func (c QuotaCounter) ResetAt(now time.Time) time.Time {
	if c.Expired(now) {
		return c.Window.Start(now).Add(c.Window.Length())
	}
	return c.WindowStart.Add(c.Window.Length())
}

// QuotaUsage is one append-only usage-log row recording the actual cost of a
// single external call.
type QuotaUsage struct {
	ID           int64
	Service      string
	WorkItemID   uuid.UUID
	InputTokens  int64
	OutputTokens int64
	ImageCount   int
	Cost         float64
	At           time.Time
}

// TotalTokens is the token count charged against token windows.
func (u QuotaUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
