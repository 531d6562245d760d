package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const endpointColumns = `id, tenant_id, url, secret_ciphertext, event_types, enabled,
	circuit_state, consecutive_failures, last_success_at, last_failure_at, opened_at, cooldown_ms,
	created_at, updated_at`

type EndpointRepo struct {
	db DB
}

func NewEndpointRepo(db DB) *EndpointRepo {
	return &EndpointRepo{db: db}
}

func (r *EndpointRepo) Create(ctx context.Context, ep *delivery.Endpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Health.CircuitState == "" {
		ep.Health.CircuitState = delivery.CircuitClosed
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO harborrelay.endpoints(id, tenant_id, url, secret_ciphertext, event_types, enabled, circuit_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		ep.ID, ep.TenantID, ep.URL, ep.SecretCiphertext, ep.EventTypes, ep.Enabled, string(ep.Health.CircuitState),
	).Scan(&ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (r *EndpointRepo) Get(ctx context.Context, id string) (delivery.Endpoint, error) {
	rows, err := r.db.Query(ctx, `SELECT `+endpointColumns+` FROM harborrelay.endpoints WHERE id = $1`, id)
	if err != nil {
		return delivery.Endpoint{}, fmt.Errorf("get endpoint: %w", err)
	}
	eps, err := scanEndpoints(rows)
	if err != nil {
		return delivery.Endpoint{}, err
	}
	if len(eps) == 0 {
		return delivery.Endpoint{}, store.ErrNotFound
	}
	return eps[0], nil
}

func (r *EndpointRepo) ListSubscribed(ctx context.Context, tenantID, eventType string) ([]delivery.Endpoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM harborrelay.endpoints
		WHERE tenant_id = $1 AND enabled
		  AND ($2 = ANY(event_types) OR '*' = ANY(event_types))
		ORDER BY created_at ASC`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscribed endpoints: %w", err)
	}
	return scanEndpoints(rows)
}

func (r *EndpointRepo) ListByTenant(ctx context.Context, tenantID string) ([]delivery.Endpoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM harborrelay.endpoints
		WHERE tenant_id = $1
		ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return scanEndpoints(rows)
}

func (r *EndpointRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, `
		UPDATE harborrelay.endpoints SET enabled = $2, updated_at = now()
		WHERE id = $1`, id, enabled)
}

func (r *EndpointRepo) RotateSecret(ctx context.Context, id, ciphertext string) error {
	return r.exec(ctx, `
		UPDATE harborrelay.endpoints SET secret_ciphertext = $2, updated_at = now()
		WHERE id = $1`, id, ciphertext)
}

func (r *EndpointRepo) UpdateHealth(ctx context.Context, id string, h delivery.Health) error {
	return r.exec(ctx, `
		UPDATE harborrelay.endpoints
		SET circuit_state = $2, consecutive_failures = $3, last_success_at = $4,
		    last_failure_at = $5, opened_at = $6, cooldown_ms = $7, updated_at = now()
		WHERE id = $1`,
		id, string(h.CircuitState), h.ConsecutiveFailures, h.LastSuccessAt,
		h.LastFailureAt, h.OpenedAt, h.Cooldown.Milliseconds())
}

func (r *EndpointRepo) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanEndpoints(rows pgx.Rows) ([]delivery.Endpoint, error) {
	defer rows.Close()
	var out []delivery.Endpoint
	for rows.Next() {
		var (
			ep                         delivery.Endpoint
			state                      string
			lastOK, lastFail, openedAt sql.NullTime
			cooldownMS                 int64
		)
		if err := rows.Scan(&ep.ID, &ep.TenantID, &ep.URL, &ep.SecretCiphertext, &ep.EventTypes, &ep.Enabled,
			&state, &ep.Health.ConsecutiveFailures, &lastOK, &lastFail, &openedAt, &cooldownMS,
			&ep.CreatedAt, &ep.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		ep.Health.CircuitState = delivery.CircuitState(state)
		ep.Health.LastSuccessAt = nullTime(lastOK)
		ep.Health.LastFailureAt = nullTime(lastFail)
		ep.Health.OpenedAt = nullTime(openedAt)
		ep.Health.Cooldown = time.Duration(cooldownMS) * time.Millisecond
		out = append(out, ep)
	}
	return out, rows.Err()
}

type InstallRepo struct {
	db DB
}

func NewInstallRepo(db DB) *InstallRepo {
	return &InstallRepo{db: db}
}

func (r *InstallRepo) Create(ctx context.Context, in *delivery.Install) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO harborrelay.installs(id, tenant_id, name, secret_ciphertext, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		in.ID, in.TenantID, in.Name, in.SecretCiphertext, in.Enabled,
	).Scan(&in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert install: %w", err)
	}
	return nil
}

func (r *InstallRepo) Get(ctx context.Context, id string) (delivery.Install, error) {
	var in delivery.Install
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, secret_ciphertext, enabled, created_at
		FROM harborrelay.installs
		WHERE id = $1`, id,
	).Scan(&in.ID, &in.TenantID, &in.Name, &in.SecretCiphertext, &in.Enabled, &in.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return delivery.Install{}, store.ErrNotFound
		}
		return delivery.Install{}, fmt.Errorf("get install: %w", err)
	}
	return in, nil
}
