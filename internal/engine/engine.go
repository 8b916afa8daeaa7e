package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labelsquor/orchestrator/internal/journal"
	"github.com/labelsquor/orchestrator/internal/policy"
	"github.com/labelsquor/orchestrator/internal/quota"
	"github.com/labelsquor/orchestrator/internal/storage"
)

// Options configures an Engine.
type Options struct {
	NumWorkers        int
	WorkerPrefix      string // lock-holder identity prefix, unique per process
	LockLease         time.Duration
	StageTimeout      time.Duration
	IdleSleep         time.Duration
	DispatchBatch     int
	SweepInterval     time.Duration
	SweepBatch        int
	QuotaResumeJitter time.Duration
	ShutdownGrace     time.Duration
	Policy            policy.Policy
}

// Engine owns the worker pool, the dispatcher, and the resume sweeper.
// The outbox bus and the metric journal run beside it, wired by the caller.
type Engine struct {
	store      *storage.DB
	dispatcher *Dispatcher
	executor   *Executor
	sweeper    *Sweeper
	workers    []*Worker
	grace      time.Duration
	logger     *slog.Logger

	cancelWorkers context.CancelFunc
	group         *errgroup.Group
	groupDone     chan struct{}
}

// New assembles an Engine. registry maps each pipeline stage to its handler.
func New(store *storage.DB, quotaMgr *quota.Manager, registry Registry, metrics journal.Recorder, opts Options, logger *slog.Logger) *Engine {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.WorkerPrefix == "" {
		opts.WorkerPrefix = "worker"
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}

	dispatcher := NewDispatcher(store, opts.DispatchBatch, logger)
	executor := NewExecutor(store, registry, metrics, opts.StageTimeout, logger)
	sweeper := NewSweeper(store, quotaMgr, opts.SweepInterval, opts.SweepBatch, logger)

	workers := make([]*Worker, opts.NumWorkers)
	for i := range workers {
		id := fmt.Sprintf("%s-%d", opts.WorkerPrefix, i+1)
		workers[i] = NewWorker(id, store, executor, dispatcher, opts.Policy, metrics,
			opts.LockLease, opts.IdleSleep, opts.QuotaResumeJitter, logger)
	}

	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		executor:   executor,
		sweeper:    sweeper,
		workers:    workers,
		grace:      opts.ShutdownGrace,
		logger:     logger,
	}
}

// Start launches the workers and the sweeper schedule.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.sweeper.Start(ctx); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	e.cancelWorkers = cancel

	group, groupCtx := errgroup.WithContext(workerCtx)
	e.group = group
	for _, w := range e.workers {
		group.Go(func() error { return w.Run(groupCtx) })
	}

	e.groupDone = make(chan struct{})
	go func() {
		defer close(e.groupDone)
		if err := group.Wait(); err != nil {
			e.logger.Error("engine: worker pool exited", "error", err)
		}
	}()

	e.logger.Info("engine: started", "workers", len(e.workers))
	return nil
}

// Shutdown stops accepting new claims and waits up to the configured grace
// for in-flight items to commit their next transition. Items still Running
// afterwards keep their leases until expiry, when another instance reclaims
// them.
func (e *Engine) Shutdown(ctx context.Context) {
	e.sweeper.Stop()

	if e.cancelWorkers != nil {
		e.cancelWorkers()
	}
	if e.groupDone == nil {
		return
	}

	graceCtx, cancel := context.WithTimeout(ctx, e.grace)
	defer cancel()
	select {
	case <-e.groupDone:
		e.logger.Info("engine: workers drained")
	case <-graceCtx.Done():
		e.logger.Warn("engine: shutdown grace elapsed with stages in flight; leases will expire")
	}
}

// Sweeper exposes the sweeper for manual resume operations.
func (e *Engine) Sweeper() *Sweeper {
	return e.sweeper
}
