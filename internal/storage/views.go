package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/labelsquor/orchestrator/internal/state"
)

// StateDistribution counts items per state.
func (db *DB) StateDistribution(ctx context.Context) (map[state.State]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM work_item GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("storage: state distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[state.State]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan state distribution: %w", err)
		}
		dist[state.State(s)] = n
	}
	return dist, rows.Err()
}

// LatencyStats aggregates one duration metric series.
type LatencyStats struct {
	Name  string
	Count int64
	AvgMs float64
	P50Ms float64
	P95Ms float64
}

// DurationStats computes per-name count/avg/p50/p95 for a duration metric
// kind (stage_duration_ms or state_duration_ms) over a trailing window.
func (db *DB) DurationStats(ctx context.Context, kind string, since time.Time) ([]LatencyStats, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT name,
		       COUNT(*),
		       AVG(value),
		       percentile_cont(0.5) WITHIN GROUP (ORDER BY value),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY value)
		FROM metric
		WHERE kind = $1 AND at >= $2
		GROUP BY name
		ORDER BY name`,
		kind, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: duration stats: %w", err)
	}
	defer rows.Close()

	var stats []LatencyStats
	for rows.Next() {
		var s LatencyStats
		if err := rows.Scan(&s.Name, &s.Count, &s.AvgMs, &s.P50Ms, &s.P95Ms); err != nil {
			return nil, fmt.Errorf("storage: scan duration stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ThroughputBucket is one hour of completions.
type ThroughputBucket struct {
	Hour      time.Time
	Completed int64
}

// Throughput counts items completed per hour since the given instant.
func (db *DB) Throughput(ctx context.Context, since time.Time) ([]ThroughputBucket, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT date_trunc('hour', completed_at) AS hour, COUNT(*)
		FROM work_item
		WHERE state = 'completed' AND completed_at >= $1
		GROUP BY hour
		ORDER BY hour ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: throughput: %w", err)
	}
	defer rows.Close()

	var buckets []ThroughputBucket
	for rows.Next() {
		var b ThroughputBucket
		if err := rows.Scan(&b.Hour, &b.Completed); err != nil {
			return nil, fmt.Errorf("storage: scan throughput: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// ErrorBreakdown counts error metrics per name (the failure class) over a
// trailing window.
func (db *DB) ErrorBreakdown(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT name, COUNT(*)
		FROM metric
		WHERE kind = 'error' AND at >= $1
		GROUP BY name`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: error breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("storage: scan error breakdown: %w", err)
		}
		breakdown[name] = n
	}
	return breakdown, rows.Err()
}

// QuotaExceededTotal counts quota interruptions over a trailing window,
// derived from the transition audit trail.
func (db *DB) QuotaExceededTotal(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transition
		WHERE to_state = 'quota_exceeded' AND at >= $1`,
		since,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: quota exceeded total: %w", err)
	}
	return n, nil
}

// QueueDepth counts items runnable right now. Exposed as an OTEL gauge.
func (db *DB) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_item
		WHERE state = 'ready'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= now())`,
	).Scan(&depth); err != nil {
		return 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return depth, nil
}
