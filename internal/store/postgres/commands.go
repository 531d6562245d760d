package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

type CommandRepo struct {
	db DB
}

func NewCommandRepo(db DB) *CommandRepo {
	return &CommandRepo{db: db}
}

// Claim relies on the (install_id, idempotency_key) primary key: the insert
// is a no-op for a repeated key, in which case the stored record is returned.
func (r *CommandRepo) Claim(ctx context.Context, rec delivery.CommandRecord) (*delivery.CommandRecord, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO harborrelay.inbound_commands(install_id, idempotency_key, command, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (install_id, idempotency_key) DO NOTHING`,
		rec.InstallID, rec.IdempotencyKey, rec.Command, string(delivery.CommandInProgress), rec.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim command: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}
	existing, err := r.Get(ctx, rec.InstallID, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *CommandRepo) Complete(ctx context.Context, rec delivery.CommandRecord) error {
	var result []byte
	if len(rec.Result) > 0 {
		result = rec.Result
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE harborrelay.inbound_commands
		SET status = $3, result = $4, error = $5, completed_at = $6
		WHERE install_id = $1 AND idempotency_key = $2`,
		rec.InstallID, rec.IdempotencyKey, string(rec.Status), result, rec.Error, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *CommandRepo) Get(ctx context.Context, installID, key string) (*delivery.CommandRecord, error) {
	var (
		rec       delivery.CommandRecord
		status    string
		result    []byte
		completed sql.NullTime
	)
	err := r.db.QueryRow(ctx, `
		SELECT install_id, idempotency_key, command, status, result, error, created_at, completed_at
		FROM harborrelay.inbound_commands
		WHERE install_id = $1 AND idempotency_key = $2`, installID, key,
	).Scan(&rec.InstallID, &rec.IdempotencyKey, &rec.Command, &status, &result, &rec.Error, &rec.CreatedAt, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	rec.Status = delivery.CommandStatus(status)
	rec.Result = result
	rec.CompletedAt = nullTime(completed)
	return &rec, nil
}
