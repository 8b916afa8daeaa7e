package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/labelsquor/orchestrator/internal/model"
)

// insertDeadLetterTx records an exhausted item inside the transition
// transaction, preserving the payload and error chain at time of death.
func insertDeadLetterTx(ctx context.Context, tx pgx.Tx, item *model.WorkItem) error {
	payload, err := marshalMap(item.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal dead letter payload: %w", err)
	}
	chain, err := json.Marshal(item.ErrorChain)
	if err != nil {
		return fmt.Errorf("storage: marshal error chain: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dead_letter (work_item_id, payload, error_chain) VALUES ($1, $2, $3)`,
		item.ID, payload, chain,
	); err != nil {
		return fmt.Errorf("storage: insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns dead-letter records, newest first. Items remain
// queryable indefinitely.
func (db *DB) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, work_item_id, payload, error_chain, at
		FROM dead_letter
		ORDER BY at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: dead letters: %w", err)
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var payload, chain []byte
		if err := rows.Scan(&d.ID, &d.WorkItemID, &payload, &chain, &d.At); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		if err := unmarshalMap(payload, &d.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal dead letter payload: %w", err)
		}
		if len(chain) > 0 {
			if err := json.Unmarshal(chain, &d.ErrorChain); err != nil {
				return nil, fmt.Errorf("storage: unmarshal error chain: %w", err)
			}
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}
