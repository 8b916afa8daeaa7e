// Package bus delivers durable outbox events to in-process subscribers.
//
// State-changing operations co-commit an event row with the change; the Bus
// polls undelivered rows in insertion order, fans each out to every
// subscriber, and marks it delivered. Per work item, events reach a given
// subscriber in write order at least once — subscribers must be idempotent.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/telemetry"
)

// Subscriber handles delivered events. Handlers must be idempotent: the bus
// guarantees at-least-once, not exactly-once.
type Subscriber interface {
	Name() string
	HandleEvent(ctx context.Context, e model.Event) error
}

// Outbox is the persistence surface the bus needs. *storage.DB satisfies it.
type Outbox interface {
	UndeliveredEvents(ctx context.Context, limit int) ([]model.Event, error)
	MarkEventsDelivered(ctx context.Context, ids []int64) error
	DeferEvents(ctx context.Context, ids []int64) error
	OutboxDepth(ctx context.Context) (int64, error)
}

// Bus polls the outbox and fans events out to subscribers.
type Bus struct {
	outbox       Outbox
	subscribers  []Subscriber
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// New creates a Bus. Subscribers are fixed at construction; delivery order
// across subscribers follows registration order.
func New(outbox Outbox, subscribers []Subscriber, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Bus {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Bus{
		outbox:       outbox,
		subscribers:  subscribers,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background delivery loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("event bus: Start called more than once, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.pollLoop(loopCtx)
}

// Drain signals the delivery loop to stop, runs one final delivery pass, and
// blocks until done or the context expires. No-op if Start was never called.
func (b *Bus) Drain(ctx context.Context) {
	if !b.started.Load() {
		return
	}
	select {
	case b.drainCh <- ctx:
	default:
	}
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("event bus: drain timed out")
	}
}

func (b *Bus) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-b.drainCh:
			default:
			}
			if drainCtx != nil {
				b.deliverBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.deliverBatch(fallbackCtx)
				cancel()
			}
			b.once.Do(func() { close(b.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			b.deliverBatch(batchCtx)
			cancel()
		}
	}
}

// deliverBatch fetches due events in insertion order and delivers them.
// When an event fails, later events of the same work item are held back so
// the per-item ordering guarantee survives subscriber outages.
func (b *Bus) deliverBatch(ctx context.Context) {
	events, err := b.outbox.UndeliveredEvents(ctx, b.batchSize)
	if err != nil {
		b.logger.Error("event bus: fetch undelivered", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	var delivered, failed []int64
	blocked := make(map[uuid.UUID]struct{})
	for _, e := range events {
		if _, held := blocked[e.WorkItemID]; held {
			continue
		}
		if err := b.deliverOne(ctx, e); err != nil {
			b.logger.Warn("event bus: delivery failed",
				"event_id", e.ID,
				"work_item_id", e.WorkItemID,
				"type", e.Type,
				"attempts", e.Attempts+1,
				"error", err,
			)
			failed = append(failed, e.ID)
			blocked[e.WorkItemID] = struct{}{}
			continue
		}
		delivered = append(delivered, e.ID)
	}

	if err := b.outbox.MarkEventsDelivered(ctx, delivered); err != nil {
		// The events were handled; leaving them undelivered means a
		// redelivery, which idempotent subscribers absorb.
		b.logger.Error("event bus: mark delivered", "error", err)
	}
	if err := b.outbox.DeferEvents(ctx, failed); err != nil {
		b.logger.Error("event bus: defer failed events", "error", err)
	}
}

func (b *Bus) deliverOne(ctx context.Context, e model.Event) error {
	for _, sub := range b.subscribers {
		if err := sub.HandleEvent(ctx, e); err != nil {
			b.logger.Warn("event bus: subscriber error",
				"subscriber", sub.Name(),
				"event_id", e.ID,
				"error", err,
			)
			return err
		}
	}
	return nil
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("orchestrator/bus")

	_, _ = meter.Int64ObservableGauge("orchestrator.outbox.depth",
		metric.WithDescription("Number of undelivered events in the outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := b.outbox.OutboxDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(depth)
			return nil
		}),
	)
}
