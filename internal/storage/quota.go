package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labelsquor/orchestrator/internal/model"
)

// EnsureQuotaCounter upserts the limit for one (service, window, resource)
// counter, preserving any accumulated usage. Called at startup to seed the
// configured limits; existing rows act as the persisted override.
func (db *DB) EnsureQuotaCounter(ctx context.Context, c model.QuotaCounter) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO quota_counter (service, "window", resource, "limit", used, window_start)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (service, "window", resource)
		DO UPDATE SET "limit" = EXCLUDED."limit"`,
		c.Service, string(c.Window), string(c.Resource), c.Limit, c.WindowStart,
	)
	if err != nil {
		return fmt.Errorf("storage: ensure quota counter: %w", err)
	}
	return nil
}

// QuotaCounters returns all counters for a service. Window expiry is not
// applied here; callers treat lapsed windows as zero on read.
func (db *DB) QuotaCounters(ctx context.Context, service string) ([]model.QuotaCounter, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT service, "window", resource, "limit", used, window_start
		FROM quota_counter
		WHERE service = $1
		ORDER BY "window", resource`,
		service,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: quota counters: %w", err)
	}
	defer rows.Close()

	var counters []model.QuotaCounter
	for rows.Next() {
		var c model.QuotaCounter
		var window, resource string
		if err := rows.Scan(&c.Service, &window, &resource, &c.Limit, &c.Used, &c.WindowStart); err != nil {
			return nil, fmt.Errorf("storage: scan quota counter: %w", err)
		}
		c.Window, c.Resource = model.QuotaWindow(window), model.QuotaResource(resource)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// RecordQuotaUsage atomically charges an external call against every counter
// of the service (tokens and requests in both windows, tumbling lapsed
// windows forward) and appends the usage-log row. Row-level locks are held
// only for the duration of the increments.
//
// check + record is deliberately not atomic across workers; the design
// tolerates a transient over-commit of one request per worker per window.
func (db *DB) RecordQuotaUsage(ctx context.Context, usage model.QuotaUsage) error {
	now := usage.At
	if now.IsZero() {
		now = time.Now()
	}

	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("storage: begin quota tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		increments := []struct {
			resource model.QuotaResource
			delta    int64
		}{
			{model.ResourceTokens, usage.TotalTokens()},
			{model.ResourceRequests, 1},
		}
		for _, window := range []model.QuotaWindow{model.WindowPerMinute, model.WindowPerDay} {
			windowStart := window.Start(now)
			for _, inc := range increments {
				if _, err := tx.Exec(ctx, `
					UPDATE quota_counter SET
						used = CASE WHEN window_start < $4 THEN $5 ELSE used + $5 END,
						window_start = CASE WHEN window_start < $4 THEN $4 ELSE window_start END
					WHERE service = $1 AND "window" = $2 AND resource = $3`,
					usage.Service, string(window), string(inc.resource), windowStart, inc.delta,
				); err != nil {
					return fmt.Errorf("storage: increment quota counter: %w", err)
				}
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO quota_usage_log (service, work_item_id, input_tokens, output_tokens, image_count, cost, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			usage.Service, usage.WorkItemID, usage.InputTokens, usage.OutputTokens,
			usage.ImageCount, usage.Cost, now,
		); err != nil {
			return fmt.Errorf("storage: insert quota usage log: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit quota usage: %w", err)
		}
		return nil
	})
}

// UsageBucket is one hour of aggregated quota usage for a service.
type UsageBucket struct {
	Hour        time.Time
	Requests    int64
	TotalTokens int64
	TotalCost   float64
}

// QuotaUsageHistory aggregates the usage log into hourly buckets since the
// given instant, oldest first.
func (db *DB) QuotaUsageHistory(ctx context.Context, service string, since time.Time) ([]UsageBucket, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT date_trunc('hour', at) AS hour,
		       COUNT(*),
		       COALESCE(SUM(input_tokens + output_tokens), 0),
		       COALESCE(SUM(cost), 0)
		FROM quota_usage_log
		WHERE service = $1 AND at >= $2
		GROUP BY hour
		ORDER BY hour ASC`,
		service, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: quota usage history: %w", err)
	}
	defer rows.Close()

	var buckets []UsageBucket
	for rows.Next() {
		var b UsageBucket
		if err := rows.Scan(&b.Hour, &b.Requests, &b.TotalTokens, &b.TotalCost); err != nil {
			return nil, fmt.Errorf("storage: scan usage bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
