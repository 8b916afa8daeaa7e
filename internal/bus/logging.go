package bus

import (
	"context"
	"log/slog"

	"github.com/labelsquor/orchestrator/internal/model"
)

// LoggingSubscriber writes every delivered event to the structured log.
// Always registered first so the log carries the full event stream even when
// no external subscribers are configured.
type LoggingSubscriber struct {
	Logger *slog.Logger
}

// Name implements Subscriber.
func (LoggingSubscriber) Name() string { return "logging" }

// HandleEvent implements Subscriber. Logging is idempotent by nature;
// redelivery just repeats a line.
func (s LoggingSubscriber) HandleEvent(_ context.Context, e model.Event) error {
	level := slog.LevelInfo
	switch e.Type {
	case model.EventStageFailed, model.EventDeadLettered:
		level = slog.LevelWarn
	case model.EventLocked, model.EventUnlocked, model.EventStageStarted:
		level = slog.LevelDebug
	}
	s.Logger.Log(context.Background(), level, "workflow event",
		"event_id", e.ID,
		"work_item_id", e.WorkItemID,
		"type", e.Type,
		"payload", e.Payload,
	)
	return nil
}
