package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const attemptColumns = `id, chain_id, tenant_id, endpoint_id, event_id, event_type, attempt_number,
	status, trigger, http_status, duration_ms, reason, error_summary, signature,
	scheduled_retry_at, replay_of, created_at, finalized_at`

type AttemptRepo struct {
	db  DB
	now func() time.Time
}

func NewAttemptRepo(db DB) *AttemptRepo {
	return &AttemptRepo{db: db, now: time.Now}
}

func (r *AttemptRepo) RecordEvent(ctx context.Context, ev delivery.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if ev.Payload == nil {
		payload = []byte(`{}`)
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO harborrelay.events(id, tenant_id, event_type, payload_version, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.TenantID, ev.Type, ev.PayloadVersion, payload, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// id already taken: only an identical snapshot may share it
	prev, err := r.GetEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("load recorded event: %w", err)
	}
	if !prev.SameContent(ev) {
		return store.ErrEventConflict
	}
	return nil
}

func (r *AttemptRepo) GetEvent(ctx context.Context, eventID string) (delivery.Event, error) {
	var (
		ev      delivery.Event
		payload []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, event_type, payload_version, payload, occurred_at
		FROM harborrelay.events
		WHERE id = $1`, eventID,
	).Scan(&ev.ID, &ev.TenantID, &ev.Type, &ev.PayloadVersion, &payload, &ev.OccurredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return delivery.Event{}, store.ErrNotFound
		}
		return delivery.Event{}, fmt.Errorf("get event: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return delivery.Event{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}

// Record inserts the attempt only when it directly follows the chain's last
// attempt and that attempt is not terminal.
func (r *AttemptRepo) Record(ctx context.Context, a *delivery.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO harborrelay.delivery_attempts(`+attemptColumns+`)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		WHERE NOT EXISTS (
			SELECT 1 FROM harborrelay.delivery_attempts
			WHERE chain_id = $2 AND status IN ('SUCCESS', 'ABANDONED'))
		AND COALESCE((
			SELECT MAX(attempt_number) FROM harborrelay.delivery_attempts
			WHERE chain_id = $2), 0) = $7 - 1`,
		a.ID, a.ChainID, a.TenantID, a.EndpointID, a.EventID, a.EventType, a.AttemptNumber,
		string(a.Status), string(a.Trigger), a.HTTPStatus, a.Duration.Milliseconds(), a.Reason, a.ErrorSummary, a.Signature,
		a.ScheduledRetryAt, optStr(a.ReplayOf), a.CreatedAt, a.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrChainSequence
	}
	return nil
}

func (r *AttemptRepo) Finalize(ctx context.Context, a *delivery.Attempt) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE harborrelay.delivery_attempts
		SET status = $2, http_status = $3, duration_ms = $4, reason = $5, error_summary = $6,
		    signature = $7, scheduled_retry_at = $8, finalized_at = $9
		WHERE id = $1 AND status = 'PENDING'`,
		a.ID, string(a.Status), a.HTTPStatus, a.Duration.Milliseconds(), a.Reason, a.ErrorSummary,
		a.Signature, a.ScheduledRetryAt, a.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, a.ID); err != nil {
			return err
		}
		return store.ErrNotPending
	}
	return nil
}

func (r *AttemptRepo) Get(ctx context.Context, id string) (*delivery.Attempt, error) {
	rows, err := r.db.Query(ctx, `SELECT `+attemptColumns+` FROM harborrelay.delivery_attempts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	out, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return &out[0], nil
}

func (r *AttemptRepo) List(ctx context.Context, endpointID string, p store.Page) (store.AttemptPage, error) {
	limit := p.Limit()
	var (
		rows pgx.Rows
		err  error
	)
	if p.Token == "" {
		rows, err = r.db.Query(ctx, `
			SELECT `+attemptColumns+`
			FROM harborrelay.delivery_attempts
			WHERE endpoint_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, endpointID, limit+1)
	} else {
		cur, derr := store.DecodeCursor(p.Token)
		if derr != nil {
			return store.AttemptPage{}, derr
		}
		rows, err = r.db.Query(ctx, `
			SELECT `+attemptColumns+`
			FROM harborrelay.delivery_attempts
			WHERE endpoint_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, endpointID, cur.CreatedAt, cur.ID, limit+1)
	}
	if err != nil {
		return store.AttemptPage{}, fmt.Errorf("list attempts: %w", err)
	}
	attempts, err := scanAttempts(rows)
	if err != nil {
		return store.AttemptPage{}, err
	}

	page := store.AttemptPage{}
	if len(attempts) > limit {
		attempts = attempts[:limit]
		page.NextToken = store.EncodeCursor(attempts[limit-1])
	}
	page.Attempts = attempts
	return page, nil
}

func (r *AttemptRepo) Chain(ctx context.Context, chainID string) ([]delivery.Attempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM harborrelay.delivery_attempts
		WHERE chain_id = $1
		ORDER BY attempt_number ASC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("chain attempts: %w", err)
	}
	out, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (r *AttemptRepo) PurgeOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	return r.purge(ctx, "", window)
}

func (r *AttemptRepo) PurgeTenantOlderThan(ctx context.Context, tenantID string, window time.Duration) (int64, error) {
	return r.purge(ctx, tenantID, window)
}

// purge removes whole chains whose newest attempt predates the cutoff, then
// event snapshots no attempt refers to anymore.
func (r *AttemptRepo) purge(ctx context.Context, tenantID string, window time.Duration) (int64, error) {
	cutoff := r.now().Add(-window).UTC()
	tag, err := r.db.Exec(ctx, `
		DELETE FROM harborrelay.delivery_attempts
		WHERE chain_id IN (
			SELECT chain_id FROM harborrelay.delivery_attempts
			WHERE ($2 = '' OR tenant_id = $2)
			GROUP BY chain_id
			HAVING MAX(created_at) < $1)`,
		cutoff, tenantID,
	)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
		DELETE FROM harborrelay.events e
		WHERE e.occurred_at < $1
		  AND ($2 = '' OR e.tenant_id = $2)
		  AND NOT EXISTS (SELECT 1 FROM harborrelay.delivery_attempts a WHERE a.event_id = e.id)`,
		cutoff, tenantID,
	); err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *AttemptRepo) OutcomeCounts(ctx context.Context, since time.Time) ([]store.OutcomeCount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tenant_id, endpoint_id,
		       COUNT(*) FILTER (WHERE status = 'SUCCESS') AS successes,
		       COUNT(*) FILTER (WHERE status IN ('FAILED', 'ABANDONED')
		                        AND reason NOT IN ('circuit_open', 'endpoint_disabled')) AS failures
		FROM harborrelay.delivery_attempts
		WHERE finalized_at >= $1
		GROUP BY tenant_id, endpoint_id
		ORDER BY tenant_id, endpoint_id`, since)
	if err != nil {
		return nil, fmt.Errorf("outcome counts: %w", err)
	}
	defer rows.Close()

	var out []store.OutcomeCount
	for rows.Next() {
		var c store.OutcomeCount
		if err := rows.Scan(&c.TenantID, &c.EndpointID, &c.Successes, &c.Failures); err != nil {
			return nil, err
		}
		if c.Successes == 0 && c.Failures == 0 {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *AttemptRepo) Resumable(ctx context.Context) ([]delivery.Attempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+` FROM (
			SELECT DISTINCT ON (chain_id) `+attemptColumns+`
			FROM harborrelay.delivery_attempts
			ORDER BY chain_id, attempt_number DESC
		) latest
		WHERE status IN ('PENDING', 'FAILED')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("resumable attempts: %w", err)
	}
	return scanAttempts(rows)
}

func scanAttempts(rows pgx.Rows) ([]delivery.Attempt, error) {
	defer rows.Close()
	var out []delivery.Attempt
	for rows.Next() {
		var (
			a          delivery.Attempt
			status     string
			trigger    string
			httpStatus sql.NullInt32
			durationMS int64
			retryAt    sql.NullTime
			replayOf   sql.NullString
			finalized  sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.ChainID, &a.TenantID, &a.EndpointID, &a.EventID, &a.EventType, &a.AttemptNumber,
			&status, &trigger, &httpStatus, &durationMS, &a.Reason, &a.ErrorSummary, &a.Signature,
			&retryAt, &replayOf, &a.CreatedAt, &finalized,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = delivery.Status(status)
		a.Trigger = delivery.Trigger(trigger)
		if httpStatus.Valid {
			code := int(httpStatus.Int32)
			a.HTTPStatus = &code
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		a.ScheduledRetryAt = nullTime(retryAt)
		a.ReplayOf = nullStr(replayOf)
		a.CreatedAt = a.CreatedAt.UTC()
		a.FinalizedAt = nullTime(finalized)
		out = append(out, a)
	}
	return out, rows.Err()
}
