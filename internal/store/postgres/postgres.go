// Package postgres implements the store contracts on PostgreSQL with pgx.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_relay/internal/store"
)

// DB is the subset of *pgxpool.Pool the repositories use; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New returns repositories backed by db.
func New(db DB) store.Repos {
	return store.Repos{
		Attempts:  NewAttemptRepo(db),
		Endpoints: NewEndpointRepo(db),
		Installs:  NewInstallRepo(db),
		Commands:  NewCommandRepo(db),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullStr(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
