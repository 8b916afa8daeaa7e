package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/state"
	"github.com/labelsquor/orchestrator/internal/storage"
)

// prunedEventAge is how long delivered outbox rows are kept for inspection
// before the hourly maintenance job removes them.
const prunedEventAge = 7 * 24 * time.Hour

// Sweeper periodically returns parked items to the runnable pool: retries
// whose backoff elapsed and quota-paused items whose service has capacity
// again. It also runs the hourly outbox maintenance. All transitions go
// through the same compare-and-transition primitive as everything else;
// losing a race just means another instance already did the work.
type Sweeper struct {
	store    *storage.DB
	quota    *quota.Manager
	interval time.Duration
	batch    int
	logger   *slog.Logger

	cron *cron.Cron
}

// NewSweeper creates a Sweeper ticking at the given interval.
func NewSweeper(store *storage.DB, quotaMgr *quota.Manager, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:    store,
		quota:    quotaMgr,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Start schedules the sweep and maintenance jobs. ctx bounds each sweep run;
// call Stop to halt the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		s.Sweep(sweepCtx)
	}); err != nil {
		return fmt.Errorf("engine: schedule sweep: %w", err)
	}

	if _, err := s.cron.AddFunc("@hourly", func() {
		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		pruned, err := s.store.PruneDeliveredEvents(pruneCtx, prunedEventAge)
		if err != nil {
			s.logger.Warn("sweeper: prune delivered events", "error", err)
			return
		}
		if pruned > 0 {
			s.logger.Info("sweeper: pruned delivered events", "count", pruned)
		}
	}); err != nil {
		return fmt.Errorf("engine: schedule maintenance: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs both jobs once. Exposed for tests and for manual resume calls.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepRetries(ctx)
	s.sweepQuotaPaused(ctx)
}

// sweepRetries moves due RetryScheduled items back to Ready.
func (s *Sweeper) sweepRetries(ctx context.Context) {
	claims, err := s.store.DueRetries(ctx, s.batch)
	if err != nil {
		s.logger.Warn("sweeper: due retries", "error", err)
		return
	}
	for _, c := range claims {
		if _, err := s.store.CompareAndTransition(ctx, storage.TransitionParams{
			ItemID:          c.ID,
			ExpectedVersion: c.Version,
			From:            state.RetryScheduled,
			To:              state.Ready,
			Stage:           c.Stage,
			Reason:          "retry_ready",
			Actor:           "sweeper",
			SetNextAttempt:  true, // clear the schedule; the item is runnable now
		}); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue // someone else won; skip
			}
			s.logger.Warn("sweeper: retry transition", "work_item_id", c.ID, "error", err)
		}
	}
}

// sweepQuotaPaused moves due QuotaExceeded items back to Ready, but only
// when the exhausted service reports capacity. The quota check keeps a still
// saturated service from flapping its whole cohort between states.
func (s *Sweeper) sweepQuotaPaused(ctx context.Context) {
	claims, err := s.store.DueQuotaResumes(ctx, s.batch)
	if err != nil {
		s.logger.Warn("sweeper: due quota resumes", "error", err)
		return
	}

	capacity := make(map[string]bool)
	for _, c := range claims {
		allowed, seen := capacity[c.Service]
		if !seen {
			allowed, err = s.quota.HasCapacity(ctx, c.Service)
			if err != nil {
				s.logger.Warn("sweeper: quota check", "service", c.Service, "error", err)
				continue
			}
			capacity[c.Service] = allowed
		}
		if !allowed {
			continue
		}

		if _, err := s.store.CompareAndTransition(ctx, storage.TransitionParams{
			ItemID:          c.ID,
			ExpectedVersion: c.Version,
			From:            state.QuotaExceeded,
			To:              state.Ready,
			Stage:           c.Stage,
			Reason:          "quota_reset",
			Actor:           "sweeper",
			SetNextAttempt:  true,
			ExtraEvents: []storage.EventDraft{{
				Type: model.EventResumed,
				Payload: map[string]any{
					"service": c.Service,
					"stage":   string(c.Stage),
				},
			}},
		}); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.logger.Warn("sweeper: quota resume transition", "work_item_id", c.ID, "error", err)
		}
	}
}
