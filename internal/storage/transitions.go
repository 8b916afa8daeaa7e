package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/state"
)

// TransitionHistory returns an item's transitions oldest first. The sequence
// forms a path in the legal-transitions graph ending at the item's current
// state.
func (db *DB) TransitionHistory(ctx context.Context, itemID uuid.UUID) ([]model.Transition, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, work_item_id, from_state, to_state, stage, reason, metadata, actor, at
		FROM transition
		WHERE work_item_id = $1
		ORDER BY seq ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: transition history: %w", err)
	}
	defer rows.Close()

	var transitions []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to, stage string
		var metadata []byte
		if err := rows.Scan(&t.ID, &t.WorkItemID, &from, &to, &stage, &t.Reason, &metadata, &t.Actor, &t.At); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		t.FromState, t.ToState, t.Stage = state.State(from), state.State(to), state.Stage(stage)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal transition metadata: %w", err)
			}
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
