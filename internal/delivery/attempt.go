package delivery

import (
	"time"

	"github.com/google/uuid"
)

// Status of a single delivery attempt.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// Terminal reports whether no attempt may follow this one in its chain.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusAbandoned
}

// Trigger records why an attempt chain or attempt exists.
type Trigger string

const (
	TriggerDispatch Trigger = "dispatch"
	TriggerRetry    Trigger = "retry"
	TriggerReplay   Trigger = "replay"
	TriggerRecovery Trigger = "recovery"
)

// Attempt is one row of the delivery audit log. A chain is the ordered set
// of attempts for one (event, endpoint) dispatch or replay.
type Attempt struct {
	ID               string        `json:"id"`
	ChainID          string        `json:"chain_id"`
	TenantID         string        `json:"tenant_id"`
	EndpointID       string        `json:"endpoint_id"`
	EventID          string        `json:"event_id"`
	EventType        string        `json:"event_type"`
	AttemptNumber    int           `json:"attempt_number"`
	Status           Status        `json:"status"`
	Trigger          Trigger       `json:"trigger"`
	HTTPStatus       *int          `json:"http_status,omitempty"`
	Duration         time.Duration `json:"duration_ns"`
	Reason           string        `json:"reason,omitempty"` // classifier code, e.g. http_5xx
	ErrorSummary     string        `json:"error_summary,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	ScheduledRetryAt *time.Time    `json:"scheduled_retry_at,omitempty"`
	ReplayOf         string        `json:"replay_of,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	FinalizedAt      *time.Time    `json:"finalized_at,omitempty"`
}

// NewAttempt builds a PENDING attempt for the given chain position.
func NewAttempt(chainID string, ev Event, endpointID string, number int, trigger Trigger, now time.Time) *Attempt {
	return &Attempt{
		ID:            uuid.NewString(),
		ChainID:       chainID,
		TenantID:      ev.TenantID,
		EndpointID:    endpointID,
		EventID:       ev.ID,
		EventType:     ev.Type,
		AttemptNumber: number,
		Status:        StatusPending,
		Trigger:       trigger,
		CreatedAt:     now.UTC(),
	}
}

// Finalize sets the outcome fields of a PENDING attempt.
func (a *Attempt) Finalize(status Status, httpStatus int, duration time.Duration, reason, summary string, retryAt *time.Time, now time.Time) {
	a.Status = status
	if httpStatus > 0 {
		code := httpStatus
		a.HTTPStatus = &code
	}
	a.Duration = duration
	a.Reason = reason
	a.ErrorSummary = truncate(summary, 512)
	if status == StatusFailed {
		a.ScheduledRetryAt = retryAt
	} else {
		a.ScheduledRetryAt = nil
	}
	t := now.UTC()
	a.FinalizedAt = &t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
