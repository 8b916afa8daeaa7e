// Package orchestrator is the durable workflow engine that schedules
// packaged-food products through the LabelSquor enrichment pipeline.
//
// Work items move through a strict finite state machine persisted in
// PostgreSQL. Every state change is a single compare-and-transition
// statement co-committed with its audit transition and outbox event; worker
// mutual exclusion is lease-based and enforced by the store; external-API
// quota exhaustion parks items with their partial progress and a resume
// sweeper reactivates them when the window resets.
//
// Construct with New, register a StageHandler per pipeline stage, then
// Start. Ingress (Enqueue, Cancel, Retry, Suspend, Wake) and observability
// (Get, List, History, Metrics) work with or without the engine running.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/bus"
	"github.com/labelsquor/orchestrator/internal/config"
	"github.com/labelsquor/orchestrator/internal/engine"
	"github.com/labelsquor/orchestrator/internal/journal"
	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/state"
	"github.com/labelsquor/orchestrator/internal/storage"
	"github.com/labelsquor/orchestrator/migrations"
)

// actorIngress marks transitions issued through the public API rather than
// by a worker or the sweeper.
const actorIngress = "ingress"

// Orchestrator is the top-level handle: ingress, observability, and the
// engine lifecycle.
type Orchestrator struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *storage.DB
	quota   *quota.Manager
	engine  *engine.Engine
	bus     *bus.Bus
	journal *journal.Journal // nil when disabled
	metrics journal.Recorder
}

// New loads configuration, connects to the store, runs migrations, seeds
// quota counters, and assembles the engine. Nothing runs until Start.
func New(ctx context.Context, opts ...Option) (*Orchestrator, error) {
	var o resolvedOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.numWorkers > 0 {
		cfg.NumWorkers = o.numWorkers
	}
	if o.quotaLimitsFile != "" {
		cfg.QuotaLimitsFile = o.quotaLimitsFile
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.version != "" {
		logger = logger.With("version", o.version)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, err
	}
	db.RegisterPoolMetrics()

	limits, err := quota.LoadLimitsFile(cfg.QuotaLimitsFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	quotaMgr := quota.NewManager(db, limits, logger)
	if err := quotaMgr.Seed(ctx); err != nil {
		db.Close()
		return nil, err
	}

	orc := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		db:     db,
		quota:  quotaMgr,
	}

	if o.withoutEngine {
		return orc, nil
	}

	if cfg.JournalDir != "" {
		j, err := journal.Open(cfg.JournalDir, db, logger, cfg.JournalFlushInterval, 500)
		if err != nil {
			db.Close()
			return nil, err
		}
		orc.journal = j
		orc.metrics = j
	} else {
		orc.metrics = journal.Direct{Store: db, Logger: logger}
	}

	subscribers := []bus.Subscriber{bus.LoggingSubscriber{Logger: logger}}
	for _, s := range o.subscribers {
		subscribers = append(subscribers, subscriberAdapter{s})
	}
	orc.bus = bus.New(db, subscribers, logger, cfg.OutboxPollInterval, cfg.OutboxBatch)

	registry := make(engine.Registry, len(o.handlers))
	for stage, h := range o.handlers {
		if state.Stage(stage).Index() < 0 {
			db.Close()
			return nil, fmt.Errorf("orchestrator: unknown stage %q", stage)
		}
		registry[state.Stage(stage)] = handlerAdapter{h}
	}

	workerPrefix := o.workerPrefix
	if workerPrefix == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		workerPrefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	orc.engine = engine.New(db, quotaMgr, registry, orc.metrics, engine.Options{
		NumWorkers:        cfg.NumWorkers,
		WorkerPrefix:      workerPrefix,
		LockLease:         cfg.LockLease,
		StageTimeout:      cfg.StageTimeout,
		IdleSleep:         cfg.IdleSleep,
		DispatchBatch:     cfg.DispatchBatch,
		SweepInterval:     cfg.SweepInterval,
		SweepBatch:        cfg.SweepBatch,
		QuotaResumeJitter: cfg.QuotaResumeJitter,
		ShutdownGrace:     cfg.ShutdownGrace,
		Policy: policy.Policy{
			Base:       cfg.RetryBase,
			Multiplier: cfg.RetryMultiplier,
			Jitter:     cfg.RetryJitter,
			Cap:        cfg.RetryCap,
			MaxAttempts: map[policy.Class]int{
				policy.Transient: cfg.MaxRetries,
				policy.RateLimit: math.MaxInt,
			},
		},
	}, logger)

	return orc, nil
}

// Start launches the outbox delivery loop, the metric journal, and the
// worker pool. No-op for a WithoutEngine client.
func (orc *Orchestrator) Start(ctx context.Context) error {
	if orc.engine == nil {
		return nil
	}
	orc.bus.Start(ctx)
	if orc.journal != nil {
		orc.journal.Start(ctx)
	}
	return orc.engine.Start(ctx)
}

// Shutdown stops claims, waits for in-flight stages up to the shutdown
// grace, drains the outbox and journal, and closes the store.
func (orc *Orchestrator) Shutdown(ctx context.Context) {
	if orc.engine != nil {
		orc.engine.Shutdown(ctx)
		orc.bus.Drain(ctx)
		if orc.journal != nil {
			orc.journal.Drain(ctx)
		}
	}
	orc.db.Close()
}

// Quota returns the quota gate handed to stage handlers.
func (orc *Orchestrator) Quota() QuotaGate {
	return quotaGate{orc.quota}
}

// Enqueue inserts a work item and makes it immediately runnable.
// payload is the opaque reference stage handlers receive (e.g. a product
// version identifier).
func (orc *Orchestrator) Enqueue(ctx context.Context, payload map[string]any, priority int, metadata map[string]any) (Item, error) {
	item := &model.WorkItem{
		ID:       uuid.New(),
		Priority: priority,
		State:    state.Created,
		Stage:    state.Discovery,
		Payload:  payload,
		Metadata: metadata,
	}
	if err := orc.db.InsertWorkItem(ctx, item); err != nil {
		return Item{}, err
	}
	ready, err := orc.db.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          item.ID,
		ExpectedVersion: 1,
		From:            state.Created,
		To:              state.Ready,
		Reason:          "enqueued",
		Actor:           actorIngress,
	})
	if err != nil {
		return Item{}, err
	}
	orc.logger.Info("work item enqueued", "work_item_id", item.ID, "priority", priority)
	return toPublicItem(ready), nil
}

// Cancel terminates an item. Legal from any non-terminal state: queued and
// parked items go to Cancelled directly; a Running item gets a cancellation
// request that the owning worker honors at the next stage boundary.
func (orc *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, reason string) (Item, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	for attempt := 0; attempt < 3; attempt++ {
		item, err := orc.db.GetWorkItem(ctx, id)
		if err != nil {
			return Item{}, err
		}
		if state.IsTerminal(item.State) {
			return Item{}, fmt.Errorf("cancel %s from %s: %w", id, item.State, ErrIllegalTransition)
		}
		if item.State == state.Running {
			flagged, err := orc.db.RequestCancel(ctx, id)
			if errors.Is(err, ErrConflict) {
				continue // left Running between the read and the flag
			}
			if err != nil {
				return Item{}, err
			}
			return toPublicItem(flagged), nil
		}

		cancelled, err := orc.db.CompareAndTransition(ctx, storage.TransitionParams{
			ItemID:          id,
			ExpectedVersion: item.Version,
			From:            item.State,
			To:              state.Cancelled,
			Stage:           item.Stage,
			Reason:          reason,
			Actor:           actorIngress,
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Item{}, err
		}
		return toPublicItem(cancelled), nil
	}
	return Item{}, ErrConflict
}

// Retry returns a Failed or Suspended item to the runnable pool.
func (orc *Orchestrator) Retry(ctx context.Context, id uuid.UUID) (Item, error) {
	return orc.ingressTransition(ctx, id, "manual_retry",
		state.Failed, state.Suspended)
}

// Suspend parks a Failed item for manual inspection.
func (orc *Orchestrator) Suspend(ctx context.Context, id uuid.UUID, reason string) (Item, error) {
	if reason == "" {
		reason = "suspended by operator"
	}
	item, err := orc.db.GetWorkItem(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if item.State != state.Failed {
		return Item{}, fmt.Errorf("suspend %s from %s: %w", id, item.State, ErrIllegalTransition)
	}
	suspended, err := orc.db.CompareAndTransition(ctx, storage.TransitionParams{
		ItemID:          id,
		ExpectedVersion: item.Version,
		From:            state.Failed,
		To:              state.Suspended,
		Stage:           item.Stage,
		Reason:          reason,
		Actor:           actorIngress,
	})
	if err != nil {
		return Item{}, err
	}
	return toPublicItem(suspended), nil
}

// Wake returns a Waiting item to the runnable pool after the external signal
// it yielded for has arrived.
func (orc *Orchestrator) Wake(ctx context.Context, id uuid.UUID) (Item, error) {
	return orc.ingressTransition(ctx, id, "external_wake", state.Waiting)
}

// ingressTransition moves an item to Ready from one of the allowed source
// states, retrying version races.
func (orc *Orchestrator) ingressTransition(ctx context.Context, id uuid.UUID, reason string, allowedFrom ...state.State) (Item, error) {
	for attempt := 0; attempt < 3; attempt++ {
		item, err := orc.db.GetWorkItem(ctx, id)
		if err != nil {
			return Item{}, err
		}
		allowed := false
		for _, s := range allowedFrom {
			if item.State == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return Item{}, fmt.Errorf("%s %s from %s: %w", reason, id, item.State, ErrIllegalTransition)
		}

		ready, err := orc.db.CompareAndTransition(ctx, storage.TransitionParams{
			ItemID:          id,
			ExpectedVersion: item.Version,
			From:            item.State,
			To:              state.Ready,
			Stage:           item.Stage,
			Reason:          reason,
			Actor:           actorIngress,
			SetNextAttempt:  true, // runnable now
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Item{}, err
		}
		return toPublicItem(ready), nil
	}
	return Item{}, ErrConflict
}

// ResumeQuotaExceeded manually returns quota-paused items of one service
// (all services when service is empty) to the runnable pool, regardless of
// their scheduled resume time. Returns how many items were resumed.
func (orc *Orchestrator) ResumeQuotaExceeded(ctx context.Context, service string) (int, error) {
	items, err := orc.db.QuotaExceededItems(ctx, service, 1000)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, item := range items {
		_, err := orc.db.CompareAndTransition(ctx, storage.TransitionParams{
			ItemID:          item.ID,
			ExpectedVersion: item.Version,
			From:            state.QuotaExceeded,
			To:              state.Ready,
			Stage:           item.Stage,
			Reason:          "manual_resume",
			Actor:           actorIngress,
			SetNextAttempt:  true,
			ExtraEvents: []storage.EventDraft{{
				Type:    model.EventResumed,
				Payload: map[string]any{"service": service, "manual": true},
			}},
		})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// Get returns one item's snapshot.
func (orc *Orchestrator) Get(ctx context.Context, id uuid.UUID) (Item, error) {
	item, err := orc.db.GetWorkItem(ctx, id)
	if err != nil {
		return Item{}, err
	}
	return toPublicItem(item), nil
}

// List returns item snapshots matching the filter, newest first.
func (orc *Orchestrator) List(ctx context.Context, filter Filter) ([]Item, error) {
	items, err := orc.db.ListWorkItems(ctx, toInternalFilter(filter))
	if err != nil {
		return nil, err
	}
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = toPublicItem(item)
	}
	return out, nil
}

// History returns an item's transitions oldest first.
func (orc *Orchestrator) History(ctx context.Context, id uuid.UUID) ([]TransitionRecord, error) {
	if _, err := orc.db.GetWorkItem(ctx, id); err != nil {
		return nil, err
	}
	transitions, err := orc.db.TransitionHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]TransitionRecord, len(transitions))
	for i, t := range transitions {
		out[i] = toPublicTransition(t)
	}
	return out, nil
}

// Events returns an item's durable events in write order, for audit replay.
func (orc *Orchestrator) Events(ctx context.Context, id uuid.UUID) ([]Event, error) {
	events, err := orc.db.EventsForItem(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = toPublicEvent(e)
	}
	return out, nil
}

// Metrics aggregates the observability views over the trailing window
// starting at since.
func (orc *Orchestrator) Metrics(ctx context.Context, since time.Time) (MetricsReport, error) {
	report := MetricsReport{Since: since}

	dist, err := orc.db.StateDistribution(ctx)
	if err != nil {
		return report, err
	}
	report.StateDistribution = make(map[State]int64, len(dist))
	for s, n := range dist {
		report.StateDistribution[State(s)] = n
	}

	stageStats, err := orc.db.DurationStats(ctx, string(model.MetricStageDuration), since)
	if err != nil {
		return report, err
	}
	for _, s := range stageStats {
		report.StageLatency = append(report.StageLatency, LatencyStats(s))
	}

	stateStats, err := orc.db.DurationStats(ctx, string(model.MetricStateDuration), since)
	if err != nil {
		return report, err
	}
	for _, s := range stateStats {
		report.StateDurations = append(report.StateDurations, LatencyStats(s))
	}

	throughput, err := orc.db.Throughput(ctx, since)
	if err != nil {
		return report, err
	}
	for _, b := range throughput {
		report.Throughput = append(report.Throughput, ThroughputBucket(b))
	}

	if report.ErrorBreakdown, err = orc.db.ErrorBreakdown(ctx, since); err != nil {
		return report, err
	}
	if report.QuotaExceededCount, err = orc.db.QuotaExceededTotal(ctx, since); err != nil {
		return report, err
	}
	return report, nil
}

// QuotaStatus returns per-window utilization for one service.
func (orc *Orchestrator) QuotaStatus(ctx context.Context, service string) ([]QuotaWindowStatus, error) {
	statuses, err := orc.quota.Status(ctx, service)
	if err != nil {
		return nil, err
	}
	out := make([]QuotaWindowStatus, len(statuses))
	for i, s := range statuses {
		out[i] = QuotaWindowStatus{
			Window:     string(s.Window),
			Resource:   string(s.Resource),
			Used:       s.Used,
			Limit:      s.Limit,
			Remaining:  s.Remaining,
			Percentage: s.Percentage,
			ResetAt:    s.ResetAt,
		}
	}
	return out, nil
}

// QuotaUsageHistory aggregates one service's usage log into hourly buckets
// since the given instant, oldest first.
func (orc *Orchestrator) QuotaUsageHistory(ctx context.Context, service string, since time.Time) ([]UsageBucket, error) {
	buckets, err := orc.db.QuotaUsageHistory(ctx, service, since)
	if err != nil {
		return nil, err
	}
	out := make([]UsageBucket, len(buckets))
	for i, b := range buckets {
		out[i] = UsageBucket(b)
	}
	return out, nil
}

// DeadLetters returns dead-letter records, newest first.
func (orc *Orchestrator) DeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	letters, err := orc.db.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetterRecord, len(letters))
	for i, d := range letters {
		out[i] = toPublicDeadLetter(d)
	}
	return out, nil
}

// handlerAdapter bridges public StageHandlers into the engine.
type handlerAdapter struct {
	h StageHandler
}

func (a handlerAdapter) Execute(ctx context.Context, item *model.WorkItem) (engine.Outcome, error) {
	out, err := a.h.Execute(ctx, toPublicItem(item))
	if err != nil {
		return engine.Outcome{}, err
	}
	return toInternalOutcome(out), nil
}

// subscriberAdapter bridges public Subscribers into the bus.
type subscriberAdapter struct {
	s Subscriber
}

func (a subscriberAdapter) Name() string { return a.s.Name() }

func (a subscriberAdapter) HandleEvent(ctx context.Context, e model.Event) error {
	return a.s.HandleEvent(ctx, toPublicEvent(e))
}

// quotaGate bridges the quota manager to stage handlers.
type quotaGate struct {
	m *quota.Manager
}

func (g quotaGate) Check(ctx context.Context, service string, estimatedTokens int64) (bool, time.Time, error) {
	d, err := g.m.Check(ctx, service, quota.Estimate{Tokens: estimatedTokens})
	if err != nil {
		return false, time.Time{}, err
	}
	return d.Allowed, d.ResetAt, nil
}

func (g quotaGate) Record(ctx context.Context, service string, usage Usage) error {
	return g.m.Record(ctx, service, quota.Usage{
		WorkItemID:   usage.WorkItemID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		ImageCount:   usage.ImageCount,
	})
}
