package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/labelsquor/orchestrator/internal/model"
)

// InsertMetric records a single observation. Low-volume callers only; the
// hot path goes through the journal and InsertMetricsBatch.
func (db *DB) InsertMetric(ctx context.Context, m model.Metric) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO metric (work_item_id, kind, name, value, at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.WorkItemID, string(m.Kind), m.Name, m.Value, m.At,
	)
	if err != nil {
		return fmt.Errorf("storage: insert metric: %w", err)
	}
	return nil
}

// InsertMetricsBatch bulk-inserts metrics using the COPY protocol. Used by
// the journal flush.
func (db *DB) InsertMetricsBatch(ctx context.Context, metrics []model.Metric) (int64, error) {
	if len(metrics) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		rows[i] = []any{m.WorkItemID, string(m.Kind), m.Name, m.Value, m.At}
	}

	count, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"metric"},
		[]string{"work_item_id", "kind", "name", "value", "at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy metrics: %w", err)
	}
	return count, nil
}
