package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/labelsquor/orchestrator/internal/model"
)

// insertEventTx appends one outbox row inside an open transaction. Every
// state-changing primitive funnels through here so events co-commit with the
// changes they describe.
func insertEventTx(ctx context.Context, tx pgx.Tx, itemID uuid.UUID, e EventDraft) error {
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO event (work_item_id, type, payload) VALUES ($1, $2, $3)`,
		itemID, string(e.Type), payload,
	); err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// InsertEvent appends a standalone outbox row outside any transition (e.g.
// stage_started, which precedes rather than follows a state change).
func (db *DB) InsertEvent(ctx context.Context, itemID uuid.UUID, e EventDraft) error {
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal event payload: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO event (work_item_id, type, payload) VALUES ($1, $2, $3)`,
		itemID, string(e.Type), payload,
	); err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// UndeliveredEvents returns undelivered, due outbox rows in insertion order.
// An event whose item has an earlier undelivered event still backing off is
// held back too, so per-item delivery order survives deferred retries.
func (db *DB) UndeliveredEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, work_item_id, type, payload, at, delivered, attempts, deliver_after
		FROM event e
		WHERE e.delivered = false AND e.deliver_after <= now()
		  AND NOT EXISTS (
			SELECT 1 FROM event p
			WHERE p.work_item_id = e.work_item_id
			  AND p.delivered = false
			  AND p.id < e.id
			  AND p.deliver_after > now()
		  )
		ORDER BY id ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: undelivered events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.WorkItemID, &typ, &payload, &e.At, &e.Delivered, &e.Attempts, &e.DeliverAfter); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Type = model.EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventsDelivered flips the delivered flag for the given event IDs.
func (db *DB) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE event SET delivered = true WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: mark events delivered: %w", err)
	}
	return nil
}

// DeferEvents bumps attempts and pushes deliver_after out with exponential
// backoff (capped at 5 minutes) so the bus does not spin on a broken
// subscriber.
func (db *DB) DeferEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx, `
		UPDATE event SET attempts = attempts + 1,
		                 deliver_after = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return fmt.Errorf("storage: defer events: %w", err)
	}
	return nil
}

// OutboxDepth counts undelivered events. Exposed as an OTEL gauge by the bus.
func (db *DB) OutboxDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM event WHERE delivered = false`,
	).Scan(&depth); err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return depth, nil
}

// PruneDeliveredEvents deletes delivered outbox rows older than the given
// age. The audit trail lives in the transition table; delivered events are
// only kept long enough for operational inspection.
func (db *DB) PruneDeliveredEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM event
		WHERE delivered = true AND at < now() - ($1 * interval '1 second')`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune delivered events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EventsForItem returns every event of one item in write order, for audit
// replays.
func (db *DB) EventsForItem(ctx context.Context, itemID uuid.UUID) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, work_item_id, type, payload, at, delivered, attempts, deliver_after
		FROM event
		WHERE work_item_id = $1
		ORDER BY id ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events for item: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.WorkItemID, &typ, &payload, &e.At, &e.Delivered, &e.Attempts, &e.DeliverAfter); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Type = model.EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
