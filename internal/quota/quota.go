// Package quota tracks external-service usage against tumbling per-minute
// and per-day windows and decides whether a call may proceed.
//
// Counters live in Postgres so every worker in every process sees the same
// usage. check + record is deliberately not atomic across workers: the
// design tolerates a transient over-commit of at most one request per worker
// per window, and quota errors raised by the external service itself
// re-converge the counters through the quota-exceeded path.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/model"
)

// Store is the persistence surface the manager needs. *storage.DB satisfies
// it.
type Store interface {
	EnsureQuotaCounter(ctx context.Context, c model.QuotaCounter) error
	QuotaCounters(ctx context.Context, service string) ([]model.QuotaCounter, error)
	RecordQuotaUsage(ctx context.Context, usage model.QuotaUsage) error
}

// ExceededError signals quota exhaustion for a service, carrying the instant
// the exhausted window resets. Stage handlers return it (the public
// QuotaError builds one) to park the item instead of failing it.
type ExceededError struct {
	Service string
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: %s exhausted until %s", e.Service, e.ResetAt.Format(time.RFC3339))
}

// Estimate is the predicted cost of a call, checked before it is made.
type Estimate struct {
	Tokens int64
}

// Usage is the actual cost of a completed call, recorded after it returns.
type Usage struct {
	WorkItemID   uuid.UUID
	InputTokens  int64
	OutputTokens int64
	ImageCount   int
}

// Decision is the outcome of a quota check. When Allowed is false, ResetAt
// is the earliest instant any exceeded window tumbles.
type Decision struct {
	Allowed bool
	ResetAt time.Time
	Reason  string
}

// Manager evaluates and records usage for all configured services.
type Manager struct {
	store  Store
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. limits must contain every service the
// pipeline calls; unknown services fail open with a warning.
func NewManager(store Store, limits Limits, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// Seed upserts counter rows for every configured (service, window, resource)
// so limits are visible and overridable in the database. Run at startup.
func (m *Manager) Seed(ctx context.Context) error {
	now := m.now()
	for service, sl := range m.limits {
		for _, c := range counterSpecs(service, sl, now) {
			if err := m.store.EnsureQuotaCounter(ctx, c); err != nil {
				return fmt.Errorf("quota: seed %s/%s/%s: %w", c.Service, c.Window, c.Resource, err)
			}
		}
	}
	return nil
}

func counterSpecs(service string, sl ServiceLimits, now time.Time) []model.QuotaCounter {
	return []model.QuotaCounter{
		{Service: service, Window: model.WindowPerMinute, Resource: model.ResourceTokens, Limit: sl.PerMinute.Tokens, WindowStart: model.WindowPerMinute.Start(now)},
		{Service: service, Window: model.WindowPerMinute, Resource: model.ResourceRequests, Limit: sl.PerMinute.Requests, WindowStart: model.WindowPerMinute.Start(now)},
		{Service: service, Window: model.WindowPerDay, Resource: model.ResourceTokens, Limit: sl.PerDay.Tokens, WindowStart: model.WindowPerDay.Start(now)},
		{Service: service, Window: model.WindowPerDay, Resource: model.ResourceRequests, Limit: sl.PerDay.Requests, WindowStart: model.WindowPerDay.Start(now)},
	}
}

// Check evaluates all windows of a service against an estimated cost.
// It denies if any window would be exceeded and reports the earliest reset
// instant among the violators.
func (m *Manager) Check(ctx context.Context, service string, est Estimate) (Decision, error) {
	counters, err := m.store.QuotaCounters(ctx, service)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: check %s: %w", service, err)
	}
	if len(counters) == 0 {
		// Unconfigured service: fail open rather than wedge the pipeline.
		m.logger.Warn("quota: no counters for service, allowing", "service", service)
		return Decision{Allowed: true}, nil
	}

	now := m.now()
	decision := Decision{Allowed: true}
	for _, c := range counters {
		var want int64
		switch c.Resource {
		case model.ResourceTokens:
			want = est.Tokens
		case model.ResourceRequests:
			want = 1
		default:
			continue
		}
		if want <= c.Remaining(now) {
			continue
		}
		reset := c.ResetAt(now)
		if decision.Allowed || reset.Before(decision.ResetAt) {
			decision.ResetAt = reset
			decision.Reason = fmt.Sprintf("%s %s window exhausted", c.Window, c.Resource)
		}
		decision.Allowed = false
	}
	return decision, nil
}

// Record charges an actual call against the service's counters and appends
// the usage log, computing cost from the configured pricing.
func (m *Manager) Record(ctx context.Context, service string, usage Usage) error {
	cost := m.limits.CostOf(service, usage)
	err := m.store.RecordQuotaUsage(ctx, model.QuotaUsage{
		Service:      service,
		WorkItemID:   usage.WorkItemID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		ImageCount:   usage.ImageCount,
		Cost:         cost,
		At:           m.now(),
	})
	if err != nil {
		return fmt.Errorf("quota: record %s: %w", service, err)
	}
	m.logger.Debug("quota: usage recorded",
		"service", service,
		"work_item_id", usage.WorkItemID,
		"tokens", usage.InputTokens+usage.OutputTokens,
		"cost_usd", cost,
	)
	return nil
}

// ResetInstant returns the earliest instant any currently exceeded window of
// the service resets. ok is false when no window is exceeded.
func (m *Manager) ResetInstant(ctx context.Context, service string) (reset time.Time, ok bool, err error) {
	counters, err := m.store.QuotaCounters(ctx, service)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("quota: reset instant %s: %w", service, err)
	}
	now := m.now()
	for _, c := range counters {
		if c.Remaining(now) > 0 {
			continue
		}
		r := c.ResetAt(now)
		if !ok || r.Before(reset) {
			reset, ok = r, true
		}
	}
	return reset, ok, nil
}

// HasCapacity reports whether the service can absorb at least one more
// request right now. The resume sweeper gates quota-paused items on this.
func (m *Manager) HasCapacity(ctx context.Context, service string) (bool, error) {
	d, err := m.Check(ctx, service, Estimate{Tokens: 1})
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// WindowStatus is the read-only view of one counter.
type WindowStatus struct {
	Window     model.QuotaWindow
	Resource   model.QuotaResource
	Used       int64
	Limit      int64
	Remaining  int64
	Percentage float64
	ResetAt    time.Time
}

// Status returns the per-window utilization of a service.
func (m *Manager) Status(ctx context.Context, service string) ([]WindowStatus, error) {
	counters, err := m.store.QuotaCounters(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("quota: status %s: %w", service, err)
	}
	now := m.now()
	statuses := make([]WindowStatus, 0, len(counters))
	for _, c := range counters {
		used := c.Used
		if c.Expired(now) {
			used = 0
		}
		var pct float64
		if c.Limit > 0 {
			pct = float64(used) / float64(c.Limit) * 100
		}
		statuses = append(statuses, WindowStatus{
			Window:     c.Window,
			Resource:   c.Resource,
			Used:       used,
			Limit:      c.Limit,
			Remaining:  c.Remaining(now),
			Percentage: pct,
			ResetAt:    c.ResetAt(now),
		})
	}
	return statuses, nil
}
