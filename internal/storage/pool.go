// Package storage provides the PostgreSQL persistence layer for the
// orchestrator.
//
// It manages connection pooling via pgxpool and exposes the two atomic
// primitives everything else depends on: compare-and-transition (the sole
// mutator of work-item state, co-committed with its audit transition and
// outbox event) and acquire-lock-if-free (lease-based mutual exclusion per
// item). All other methods are plain queries over the migrated tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/labelsquor/orchestrator/internal/telemetry"
)

// DB wraps a pgxpool.Pool. Safe for concurrent use.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exposes pool health as observable OTEL gauges.
// Call after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("orchestrator/storage")

	_, _ = meter.Int64ObservableGauge("orchestrator.db.connections.total",
		metric.WithDescription("Total connections in the pgx pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("orchestrator.db.connections.idle",
		metric.WithDescription("Idle connections in the pgx pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}
