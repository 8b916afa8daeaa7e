package orchestrator

import (
	"log/slog"
)

// Option configures an Orchestrator.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	logger          *slog.Logger
	version         string
	numWorkers      int
	workerPrefix    string
	handlers        map[Stage]StageHandler
	subscribers     []Subscriber
	quotaLimitsFile string
	withoutEngine   bool
}

// WithDatabaseURL overrides the database connection string from config
// (LSQ_DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger. If not set, the default slog
// logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string attached to every log record the
// orchestrator writes. Telemetry takes its version from telemetry.Init.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithWorkers overrides the worker pool size from config (LSQ_NUM_WORKERS).
func WithWorkers(n int) Option {
	return func(o *resolvedOptions) { o.numWorkers = n }
}

// WithWorkerPrefix sets the lock-holder identity prefix. Must be unique per
// process when several orchestrator instances share one database.
func WithWorkerPrefix(prefix string) Option {
	return func(o *resolvedOptions) { o.workerPrefix = prefix }
}

// WithStageHandler registers the handler for one pipeline stage. A stage
// reached without a handler dead-letters the item (missing dependency).
func WithStageHandler(stage Stage, h StageHandler) Option {
	return func(o *resolvedOptions) {
		if o.handlers == nil {
			o.handlers = make(map[Stage]StageHandler)
		}
		o.handlers[stage] = h
	}
}

// WithSubscriber registers an event subscriber. Multiple subscribers may be
// registered; all receive every event in registration order, after the
// built-in logging subscriber.
func WithSubscriber(s Subscriber) Option {
	return func(o *resolvedOptions) { o.subscribers = append(o.subscribers, s) }
}

// WithQuotaLimitsFile overrides the YAML quota limits file path from config
// (LSQ_QUOTA_LIMITS_FILE).
func WithQuotaLimitsFile(path string) Option {
	return func(o *resolvedOptions) { o.quotaLimitsFile = path }
}

// WithoutEngine creates the Orchestrator as a pure client: ingress and
// observability operations work, but no workers, sweeper, outbox delivery,
// or journal run in this process. Used by operator tooling.
func WithoutEngine() Option {
	return func(o *resolvedOptions) { o.withoutEngine = true }
}
