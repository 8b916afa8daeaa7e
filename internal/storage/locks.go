package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/labelsquor/orchestrator/internal/model"
)

// LockGrant reports a successful lease acquisition. Reclaimed is true when
// the lease was taken over from an expired holder.
type LockGrant struct {
	ExpiresAt  time.Time
	Reclaimed  bool
	PrevHolder string
}

// AcquireLock grants worker a lease on the item iff no live lease exists.
// Expiry is evaluated inside the statement — never by comparing clocks in
// application code. The locked event co-commits with the grant.
func (db *DB) AcquireLock(ctx context.Context, id uuid.UUID, worker string, lease time.Duration) (*LockGrant, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("storage: begin lock tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var grant LockGrant
	var prev *string
	err = tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT lock_holder AS old_holder FROM work_item WHERE id = $1
		)
		UPDATE work_item w SET
			lock_holder = $2,
			lock_acquired_at = now(),
			lock_expires_at = now() + ($3 * interval '1 second')
		FROM prev
		WHERE w.id = $1 AND (w.lock_holder IS NULL OR w.lock_expires_at < now())
		RETURNING w.lock_expires_at, prev.old_holder`,
		id, worker, lease.Seconds(),
	).Scan(&grant.ExpiresAt, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qErr := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM work_item WHERE id = $1)`, id,
		).Scan(&exists); qErr != nil {
			return nil, fmt.Errorf("storage: check item exists: %w", qErr)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("storage: acquire lock: %w", err)
	}
	if prev != nil && *prev != worker {
		grant.Reclaimed = true
		grant.PrevHolder = *prev
	}

	if err := insertEventTx(ctx, tx, id, EventDraft{
		Type: model.EventLocked,
		Payload: map[string]any{
			"worker":    worker,
			"reclaimed": grant.Reclaimed,
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit lock: %w", err)
	}
	return &grant, nil
}

// ExtendLock pushes the lease expiry out by lease from now, iff worker still
// holds a live lease.
func (db *DB) ExtendLock(ctx context.Context, id uuid.UUID, worker string, lease time.Duration) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE work_item SET lock_expires_at = now() + ($3 * interval '1 second')
		WHERE id = $1 AND lock_holder = $2 AND lock_expires_at >= now()`,
		id, worker, lease.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("storage: extend lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotLockHolder
	}
	return nil
}

// ReleaseLock clears the lease iff worker is still the holder. Used when a
// claim or a worker transition fails; transitions out of Running release the
// lock inside CompareAndTransition instead.
func (db *DB) ReleaseLock(ctx context.Context, id uuid.UUID, worker string) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("storage: begin unlock tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE work_item SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_holder = $2`,
		id, worker,
	)
	if err != nil {
		return fmt.Errorf("storage: release lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotLockHolder
	}

	if err := insertEventTx(ctx, tx, id, EventDraft{
		Type:    model.EventUnlocked,
		Payload: map[string]any{"worker": worker},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit unlock: %w", err)
	}
	return nil
}
