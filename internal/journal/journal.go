// Package journal buffers high-volume metric observations in a local SQLite
// file and flushes them to Postgres in COPY batches.
//
// Architecture:
//
//	worker → Record() → SQLite (disk) → flush loop → COPY to Postgres → delete flushed
//
// The journal keeps the worker hot path off the network: recording a metric
// is a local insert, and a Postgres outage delays flushing without losing
// observations. Rows survive process restarts; the next flush drains them.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/labelsquor/orchestrator/internal/model"
)

// Recorder accepts metric observations. Recording is best-effort: failures
// are logged, never propagated into the worker loop.
type Recorder interface {
	Record(ctx context.Context, m model.Metric)
}

// Sink receives flushed batches. *storage.DB satisfies it.
type Sink interface {
	InsertMetricsBatch(ctx context.Context, metrics []model.Metric) (int64, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_metric (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	work_item_id TEXT,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	at TEXT NOT NULL
)`

// Journal is the SQLite-backed metric buffer.
type Journal struct {
	db            *sql.DB
	sink          Sink
	logger        *slog.Logger
	flushInterval time.Duration
	batchSize     int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// Open creates (or reopens) the journal file under dir. Pending rows from a
// previous run are flushed by the first flush tick.
func Open(dir string, sink Sink, logger *slog.Logger, flushInterval time.Duration, batchSize int) (*Journal, error) {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "metrics.db"))
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// A single writer keeps SQLite happy under concurrent Record calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	return &Journal{
		db:            db,
		sink:          sink,
		logger:        logger,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		done:          make(chan struct{}),
	}, nil
}

// Record appends one observation to the local buffer.
func (j *Journal) Record(ctx context.Context, m model.Metric) {
	var itemID *string
	if m.WorkItemID != nil {
		s := m.WorkItemID.String()
		itemID = &s
	}
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO pending_metric (work_item_id, kind, name, value, at) VALUES (?, ?, ?, ?, ?)`,
		itemID, string(m.Kind), m.Name, m.Value, at.UTC().Format(time.RFC3339Nano),
	); err != nil {
		j.logger.Error("journal: append metric", "error", err)
	}
}

// Start begins the background flush loop.
func (j *Journal) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		j.logger.Warn("journal: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancelLoop = cancel
	go j.flushLoop(loopCtx)
}

// Drain stops the loop, flushes what remains, and closes the file.
func (j *Journal) Drain(ctx context.Context) {
	if j.cancelLoop != nil {
		j.cancelLoop()
		select {
		case <-j.done:
		case <-ctx.Done():
			j.logger.Warn("journal: drain timed out")
		}
	}
	j.Flush(ctx)
	if err := j.db.Close(); err != nil {
		j.logger.Warn("journal: close", "error", err)
	}
}

func (j *Journal) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.once.Do(func() { close(j.done) })
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			j.Flush(flushCtx)
			cancel()
		}
	}
}

// Flush drains the buffer to the sink in batches until empty or an error.
func (j *Journal) Flush(ctx context.Context) {
	for {
		n, err := j.flushBatch(ctx)
		if err != nil {
			j.logger.Warn("journal: flush", "error", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (j *Journal) flushBatch(ctx context.Context) (int, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, work_item_id, kind, name, value, at
		FROM pending_metric
		ORDER BY id ASC
		LIMIT ?`,
		j.batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("select pending: %w", err)
	}

	var metrics []model.Metric
	var maxID int64
	for rows.Next() {
		var m model.Metric
		var itemID *string
		var kind, at string
		if err := rows.Scan(&m.ID, &itemID, &kind, &m.Name, &m.Value, &at); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending: %w", err)
		}
		m.Kind = model.MetricKind(kind)
		if itemID != nil {
			if id, err := uuid.Parse(*itemID); err == nil {
				m.WorkItemID = &id
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			m.At = ts
		} else {
			m.At = time.Now()
		}
		maxID = m.ID
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate pending: %w", err)
	}
	rows.Close()

	if len(metrics) == 0 {
		return 0, nil
	}

	if _, err := j.sink.InsertMetricsBatch(ctx, metrics); err != nil {
		return 0, fmt.Errorf("sink batch: %w", err)
	}

	// Delete only what was flushed; rows appended mid-flush stay pending.
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM pending_metric WHERE id <= ?`, maxID,
	); err != nil {
		return 0, fmt.Errorf("delete flushed: %w", err)
	}
	return len(metrics), nil
}

// Pending counts buffered observations not yet flushed.
func (j *Journal) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_metric`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: pending: %w", err)
	}
	return n, nil
}

// MetricStore is the single-row insert surface used when the journal is
// disabled. *storage.DB satisfies it.
type MetricStore interface {
	InsertMetric(ctx context.Context, m model.Metric) error
}

// Direct writes each observation straight to Postgres. Used when no journal
// directory is configured.
type Direct struct {
	Store  MetricStore
	Logger *slog.Logger
}

// Record implements Recorder.
func (d Direct) Record(ctx context.Context, m model.Metric) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	if err := d.Store.InsertMetric(ctx, m); err != nil {
		d.Logger.Error("journal: direct metric insert", "error", err)
	}
}
