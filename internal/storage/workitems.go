package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/labelsquor/orchestrator/internal/model"
	"github.com/labelsquor/orchestrator/internal/state"
)

const workItemColumns = `id, priority, state, stage, attempt_count, quota_exceeded_count, version,
	enqueued_at, started_at, completed_at, next_attempt_at,
	lock_holder, lock_acquired_at, lock_expires_at, cancel_requested,
	payload, partial_results, error_chain, last_error, metadata`

// InsertWorkItem inserts a new item in state Created. The caller follows up
// with a CompareAndTransition to Ready; the insert itself writes no
// transition row.
func (db *DB) InsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	payload, err := marshalMap(item.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal payload: %w", err)
	}
	metadata, err := marshalMap(item.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal metadata: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO work_item (id, priority, state, stage, payload, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.Priority, string(item.State), string(item.Stage), payload, metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: insert work item: %w", err)
	}
	return nil
}

// GetWorkItem fetches one item by ID.
func (db *DB) GetWorkItem(ctx context.Context, id uuid.UUID) (*model.WorkItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_item WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get work item: %w", err)
	}
	return item, nil
}

// ListFilter narrows ListWorkItems. Zero values mean "no constraint".
type ListFilter struct {
	States      []state.State
	Stages      []state.Stage
	MinPriority *int
	// MaxAge bounds enqueued_at to the trailing window.
	MaxAge time.Duration
	Limit  int
	Offset int
}

// ListWorkItems returns items matching filter, newest first.
func (db *DB) ListWorkItems(ctx context.Context, filter ListFilter) ([]*model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_item WHERE true`
	var args []any

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		args = append(args, states)
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	if len(filter.Stages) > 0 {
		stages := make([]string, len(filter.Stages))
		for i, s := range filter.Stages {
			stages[i] = string(s)
		}
		args = append(args, stages)
		query += fmt.Sprintf(" AND stage = ANY($%d)", len(args))
	}
	if filter.MinPriority != nil {
		args = append(args, *filter.MinPriority)
		query += fmt.Sprintf(" AND priority >= $%d", len(args))
	}
	if filter.MaxAge > 0 {
		args = append(args, filter.MaxAge.Seconds())
		query += fmt.Sprintf(" AND enqueued_at >= now() - ($%d * interval '1 second')", len(args))
	}

	query += " ORDER BY enqueued_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list work items: %w", err)
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// EventDraft is an outbox event queued for co-commit with a transition.
type EventDraft struct {
	Type    model.EventType
	Payload map[string]any
}

// TransitionParams drives one compare-and-transition call. ItemID,
// ExpectedVersion, From, To, Reason, and Actor are required; everything else
// is an optional side effect applied in the same statement.
type TransitionParams struct {
	ItemID          uuid.UUID
	ExpectedVersion int64
	From            state.State
	To              state.State

	// Stage is the stage context recorded on the transition row.
	Stage state.Stage
	// SetStage advances (or rewinds) the item's current stage.
	SetStage *state.Stage

	Reason   string
	Actor    string
	Metadata map[string]any

	// PartialResults is merged into the item's partial_results map.
	PartialResults map[string]any
	// RecordError sets last_error and appends to error_chain.
	RecordError *model.ItemError

	// SetNextAttempt replaces next_attempt_at with NextAttemptAt (nil clears).
	SetNextAttempt bool
	NextAttemptAt  *time.Time

	IncrementAttempt       bool
	IncrementQuotaExceeded bool

	// ReleaseLock clears the lock columns atomically with the transition.
	// Required on every worker-issued transition out of Running.
	ReleaseLock bool

	// ExtraEvents are outbox rows written after the state_changed event,
	// inside the same transaction.
	ExtraEvents []EventDraft

	// DeadLetter co-inserts a dead_letter row carrying the item's payload
	// and accumulated error chain.
	DeadLetter bool
}

// CompareAndTransition atomically moves an item From → To iff its version and
// state still match. On success the item row, the audit transition, the
// state_changed outbox event, and any extra events commit together and the
// updated item is returned. On a lost race it returns ErrConflict with
// nothing changed. This is the sole mutator of work-item state.
func (db *DB) CompareAndTransition(ctx context.Context, p TransitionParams) (*model.WorkItem, error) {
	if !state.CanTransition(p.From, p.To) {
		return nil, fmt.Errorf("storage: %s -> %s: %w", p.From, p.To, ErrIllegalTransition)
	}
	if p.Reason == "" || p.Actor == "" {
		return nil, fmt.Errorf("storage: transition %s -> %s requires reason and actor", p.From, p.To)
	}

	var item *model.WorkItem
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		item, err = db.compareAndTransitionOnce(ctx, p)
		return err
	})
	return item, err
}

func (db *DB) compareAndTransitionOnce(ctx context.Context, p TransitionParams) (*model.WorkItem, error) {
	partial, err := marshalMap(p.PartialResults)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal partial results: %w", err)
	}
	var lastErr []byte
	if p.RecordError != nil {
		if lastErr, err = json.Marshal(p.RecordError); err != nil {
			return nil, fmt.Errorf("storage: marshal last error: %w", err)
		}
	}
	var setStage *string
	if p.SetStage != nil {
		s := string(*p.SetStage)
		setStage = &s
	}
	attemptDelta := 0
	if p.IncrementAttempt {
		attemptDelta = 1
	}
	quotaDelta := 0
	if p.IncrementQuotaExceeded {
		quotaDelta = 1
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The single-statement update is the cornerstone: it tests state and
	// version, mutates both, and affects zero rows when another worker won.
	row := tx.QueryRow(ctx, `
		UPDATE work_item SET
			state = $4,
			version = version + 1,
			stage = COALESCE($5, stage),
			attempt_count = attempt_count + $6,
			quota_exceeded_count = quota_exceeded_count + $7,
			next_attempt_at = CASE WHEN $8 THEN $9 ELSE next_attempt_at END,
			started_at = CASE WHEN $4 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $10 THEN now() ELSE completed_at END,
			partial_results = partial_results || $11::jsonb,
			last_error = COALESCE($12::jsonb, last_error),
			error_chain = CASE WHEN $12::jsonb IS NULL THEN error_chain ELSE error_chain || $12::jsonb END,
			cancel_requested = CASE WHEN $4 = 'cancelled' THEN false ELSE cancel_requested END,
			lock_holder = CASE WHEN $13 THEN NULL ELSE lock_holder END,
			lock_acquired_at = CASE WHEN $13 THEN NULL ELSE lock_acquired_at END,
			lock_expires_at = CASE WHEN $13 THEN NULL ELSE lock_expires_at END
		WHERE id = $1 AND version = $2 AND state = $3
		RETURNING `+workItemColumns,
		p.ItemID, p.ExpectedVersion, string(p.From), string(p.To),
		setStage, attemptDelta, quotaDelta,
		p.SetNextAttempt, p.NextAttemptAt,
		state.IsTerminal(p.To), partial, lastErr, p.ReleaseLock,
	)

	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a vanished item from a lost race.
		var exists bool
		if qErr := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM work_item WHERE id = $1)`, p.ItemID,
		).Scan(&exists); qErr != nil {
			return nil, fmt.Errorf("storage: check item exists: %w", qErr)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("storage: transition update: %w", err)
	}

	metadata, err := marshalMap(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal transition metadata: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transition (id, work_item_id, from_state, to_state, stage, reason, metadata, actor)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), p.ItemID, string(p.From), string(p.To), string(p.Stage), p.Reason, metadata, p.Actor,
	); err != nil {
		return nil, fmt.Errorf("storage: insert transition: %w", err)
	}

	events := append([]EventDraft{{
		Type: model.EventStateChanged,
		Payload: map[string]any{
			"from":   string(p.From),
			"to":     string(p.To),
			"stage":  string(p.Stage),
			"reason": p.Reason,
			"actor":  p.Actor,
		},
	}}, p.ExtraEvents...)
	for _, e := range events {
		if err := insertEventTx(ctx, tx, p.ItemID, e); err != nil {
			return nil, err
		}
	}

	if p.DeadLetter {
		if err := insertDeadLetterTx(ctx, tx, item); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit transition: %w", err)
	}
	return item, nil
}

// RequestCancel flags a Running item for cancellation. The flag is observed
// by the owning worker at the next stage boundary; it does not bump the
// version so an in-flight transition is unaffected.
func (db *DB) RequestCancel(ctx context.Context, id uuid.UUID) (*model.WorkItem, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE work_item SET cancel_requested = true
		 WHERE id = $1 AND state = 'running'
		 RETURNING `+workItemColumns, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either gone or no longer running.
		if _, gErr := db.GetWorkItem(ctx, id); gErr != nil {
			return nil, gErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("storage: request cancel: %w", err)
	}
	return item, nil
}

// Claim identifies a dispatch candidate: enough of the row to attempt the
// authoritative compare-and-transition without re-reading.
type Claim struct {
	ID       uuid.UUID
	State    state.State
	Stage    state.Stage
	Version  int64
	Priority int
}

// ClaimReady selects up to limit dispatch candidates: Ready items that are
// due and unlocked (or whose lock lapsed), plus Running items whose lease
// expired and are therefore reclaimable. The row locks taken here are
// advisory; the authoritative hand-off is the compare-and-transition.
func (db *DB) ClaimReady(ctx context.Context, limit int) ([]Claim, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, state, stage, version, priority
		FROM work_item
		WHERE (state = 'ready'
		       AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		       AND (lock_holder IS NULL OR lock_expires_at < now()))
		   OR (state = 'running' AND lock_expires_at < now())
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim ready: %w", err)
	}
	defer rows.Close()

	return scanClaims(rows)
}

// DueRetries returns RetryScheduled items whose next_attempt_at has passed.
func (db *DB) DueRetries(ctx context.Context, limit int) ([]Claim, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, state, stage, version, priority
		FROM work_item
		WHERE state = 'retry_scheduled' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due retries: %w", err)
	}
	defer rows.Close()

	return scanClaims(rows)
}

// QuotaClaim is a quota-paused item due for resume, with the exhausted
// service extracted from last_error.
type QuotaClaim struct {
	Claim
	Service string
}

// DueQuotaResumes returns QuotaExceeded items whose next_attempt_at has
// passed. The sweeper still checks the service's quota before resuming.
func (db *DB) DueQuotaResumes(ctx context.Context, limit int) ([]QuotaClaim, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, state, stage, version, priority, COALESCE(last_error->>'service', '')
		FROM work_item
		WHERE state = 'quota_exceeded' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due quota resumes: %w", err)
	}
	defer rows.Close()

	var claims []QuotaClaim
	for rows.Next() {
		var c QuotaClaim
		var st, sg string
		if err := rows.Scan(&c.ID, &st, &sg, &c.Version, &c.Priority, &c.Service); err != nil {
			return nil, fmt.Errorf("storage: scan quota claim: %w", err)
		}
		c.State, c.Stage = state.State(st), state.Stage(sg)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// QuotaExceededItems returns all items currently paused on the given service
// (any service when service is empty), oldest pause first.
func (db *DB) QuotaExceededItems(ctx context.Context, service string, limit int) ([]*model.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_item
		WHERE state = 'quota_exceeded'
		  AND ($1 = '' OR last_error->>'service' = $1)
		ORDER BY next_attempt_at ASC
		LIMIT $2`,
		service, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: quota exceeded items: %w", err)
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanClaims(rows pgx.Rows) ([]Claim, error) {
	var claims []Claim
	for rows.Next() {
		var c Claim
		var st, sg string
		if err := rows.Scan(&c.ID, &st, &sg, &c.Version, &c.Priority); err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		c.State, c.Stage = state.State(st), state.Stage(sg)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func scanWorkItem(row pgx.Row) (*model.WorkItem, error) {
	var item model.WorkItem
	var st, sg string
	var payload, partial, errChain, lastErr, metadata []byte
	if err := row.Scan(
		&item.ID, &item.Priority, &st, &sg, &item.AttemptCount, &item.QuotaExceededCount, &item.Version,
		&item.EnqueuedAt, &item.StartedAt, &item.CompletedAt, &item.NextAttemptAt,
		&item.LockHolder, &item.LockAcquiredAt, &item.LockExpiresAt, &item.CancelRequested,
		&payload, &partial, &errChain, &lastErr, &metadata,
	); err != nil {
		return nil, err
	}
	item.State, item.Stage = state.State(st), state.Stage(sg)

	if err := unmarshalMap(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := unmarshalMap(partial, &item.PartialResults); err != nil {
		return nil, fmt.Errorf("unmarshal partial results: %w", err)
	}
	if err := unmarshalMap(metadata, &item.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(errChain) > 0 {
		if err := json.Unmarshal(errChain, &item.ErrorChain); err != nil {
			return nil, fmt.Errorf("unmarshal error chain: %w", err)
		}
	}
	if len(lastErr) > 0 {
		item.LastError = &model.ItemError{}
		if err := json.Unmarshal(lastErr, item.LastError); err != nil {
			return nil, fmt.Errorf("unmarshal last error: %w", err)
		}
	}
	return &item, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte, dst *map[string]any) error {
	if len(b) == 0 {
		*dst = map[string]any{}
		return nil
	}
	return json.Unmarshal(b, dst)
}
