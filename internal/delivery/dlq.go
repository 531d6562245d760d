package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published when a chain is finalized ABANDONED.
type DeadLetter struct {
	Type       string `json:"type"`    // "delivery.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the chain was abandoned
	Reason     string `json:"reason"`
	ChainID    string `json:"chain_id"`
	AttemptID  string `json:"attempt_id"`
	Attempt    int    `json:"attempt"` // terminal attempt number
	TenantID   string `json:"tenant_id"`
	EndpointID string `json:"endpoint_id"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Event      Event  `json:"event"` // full event snapshot for offline replay
}

func NewDeadLetter(t Task, last *Attempt, reason string, now time.Time) DeadLetter {
	dl := DeadLetter{
		Type:       DLQType,
		Version:    "v2",
		At:         now.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		ChainID:    t.ChainID,
		Attempt:    t.Attempt,
		TenantID:   t.Event.TenantID,
		EndpointID: t.EndpointID,
		Event:      t.Event,
	}
	if last != nil {
		dl.AttemptID = last.ID
		dl.Attempt = last.AttemptNumber
		dl.LastError = last.ErrorSummary
		if last.HTTPStatus != nil {
			dl.HTTPStatus = *last.HTTPStatus
		}
	}
	return dl
}
