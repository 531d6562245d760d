// Package store defines the persistence contracts of the relay: the delivery
// attempt log, endpoint and install repositories, and the inbound command log.
// Backends live in the postgres and memory subpackages.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	ErrNotFound = delivery.ErrNotFound
	// ErrChainSequence is returned when an attempt would break the chain
	// ordering: a gap in attempt numbers or an append after a terminal attempt.
	ErrChainSequence = errors.New("attempt breaks chain sequence")
	// ErrNotPending is returned when finalizing an attempt that is already finalized.
	ErrNotPending  = errors.New("attempt is not pending")
	ErrInvalidPage = errors.New("invalid page token")
	// ErrEventConflict is returned when an event id is already recorded for a
	// different tenant, type or payload.
	ErrEventConflict = errors.New("event id already recorded with different content")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page selects one page of a newest-first listing.
type Page struct {
	Size  int
	Token string
}

// Limit clamps the requested page size.
func (p Page) Limit() int {
	switch {
	case p.Size <= 0:
		return DefaultPageSize
	case p.Size > MaxPageSize:
		return MaxPageSize
	default:
		return p.Size
	}
}

type AttemptPage struct {
	Attempts  []delivery.Attempt `json:"attempts"`
	NextToken string             `json:"next_page_token,omitempty"`
}

// Cursor is the decoded keyset position of a page token.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func EncodeCursor(a delivery.Attempt) string {
	raw := strconv.FormatInt(a.CreatedAt.UnixNano(), 10) + "|" + a.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidPage
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	return Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Before reports whether a sorts after the cursor in newest-first order.
func (c Cursor) Before(a delivery.Attempt) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}

// OutcomeCount aggregates finalized attempts of one endpoint.
type OutcomeCount struct {
	TenantID   string
	EndpointID string
	Successes  int
	Failures   int
}

// AttemptLog is the delivery log store.
type AttemptLog interface {
	// RecordEvent stores a read-only event snapshot. Recording the same event
	// again is a no-op; reusing its id for other content fails with ErrEventConflict.
	RecordEvent(ctx context.Context, ev delivery.Event) error
	GetEvent(ctx context.Context, eventID string) (delivery.Event, error)

	// Record appends an attempt to its chain. The attempt number must be the
	// next in sequence and the chain must not already be terminal.
	Record(ctx context.Context, a *delivery.Attempt) error
	// Finalize writes the outcome of a PENDING attempt.
	Finalize(ctx context.Context, a *delivery.Attempt) error
	Get(ctx context.Context, id string) (*delivery.Attempt, error)
	// List returns attempts of an endpoint, newest first.
	List(ctx context.Context, endpointID string, p Page) (AttemptPage, error)
	// Chain returns the attempts of one chain in attempt order.
	Chain(ctx context.Context, chainID string) ([]delivery.Attempt, error)

	// PurgeOlderThan deletes chains whose newest attempt is older than window
	// and returns the number of attempts removed.
	PurgeOlderThan(ctx context.Context, window time.Duration) (int64, error)
	PurgeTenantOlderThan(ctx context.Context, tenantID string, window time.Duration) (int64, error)

	// OutcomeCounts aggregates attempts finalized since the given time.
	// Circuit fast fails and disabled-endpoint terminations are not counted.
	OutcomeCounts(ctx context.Context, since time.Time) ([]OutcomeCount, error)
	// Resumable returns the latest attempt of every chain that is not terminal.
	Resumable(ctx context.Context) ([]delivery.Attempt, error)
}

type EndpointRepository interface {
	Create(ctx context.Context, ep *delivery.Endpoint) error
	Get(ctx context.Context, id string) (delivery.Endpoint, error)
	// ListSubscribed returns enabled endpoints of the tenant subscribed to eventType.
	ListSubscribed(ctx context.Context, tenantID, eventType string) ([]delivery.Endpoint, error)
	ListByTenant(ctx context.Context, tenantID string) ([]delivery.Endpoint, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	RotateSecret(ctx context.Context, id, ciphertext string) error
	UpdateHealth(ctx context.Context, id string, h delivery.Health) error
}

type InstallRepository interface {
	Create(ctx context.Context, in *delivery.Install) error
	Get(ctx context.Context, id string) (delivery.Install, error)
}

// CommandLog is the inbound command idempotency log.
type CommandLog interface {
	// Claim inserts an IN_PROGRESS record for (install, key). When the key was
	// already claimed it returns the existing record and claimed=false.
	Claim(ctx context.Context, rec delivery.CommandRecord) (existing *delivery.CommandRecord, claimed bool, err error)
	// Complete stores the final outcome of a claimed command.
	Complete(ctx context.Context, rec delivery.CommandRecord) error
	Get(ctx context.Context, installID, key string) (*delivery.CommandRecord, error)
}

// Repos bundles one backend's repositories.
type Repos struct {
	Attempts  AttemptLog
	Endpoints EndpointRepository
	Installs  InstallRepository
	Commands  CommandLog
}

// CountsOutcome reports whether a finalized attempt feeds failure-rate alerting.
func CountsOutcome(a delivery.Attempt) (success, failure bool) {
	switch a.Status {
	case delivery.StatusSuccess:
		return true, false
	case delivery.StatusFailed, delivery.StatusAbandoned:
		if a.Reason == string(delivery.KindCircuitOpen) || a.Reason == string(delivery.KindEndpointDisabled) {
			return false, false
		}
		return false, true
	}
	return false, false
}
