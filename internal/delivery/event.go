package delivery

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable domain event raised by a business module.
type Event struct {
	ID             string         `json:"event_id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"event_type"`
	PayloadVersion int            `json:"payload_version"`
	Payload        map[string]any `json:"payload"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// NewEvent stamps a fresh id and occurred-at time.
func NewEvent(tenantID, eventType string, payload map[string]any) Event {
	return Event{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Type:           eventType,
		PayloadVersion: 1,
		Payload:        payload,
		OccurredAt:     time.Now().UTC(),
	}
}

// Envelope is the JSON body POSTed to receivers.
type Envelope struct {
	EventID        string         `json:"eventId"`
	EventType      string         `json:"eventType"`
	OccurredAt     string         `json:"occurredAt"` // RFC3339Nano, UTC
	PayloadVersion int            `json:"payloadVersion"`
	Payload        map[string]any `json:"payload"`
}

// Envelope builds the wire body for ev.
func (ev Event) Envelope() Envelope {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		EventID:        ev.ID,
		EventType:      ev.Type,
		OccurredAt:     ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		PayloadVersion: ev.PayloadVersion,
		Payload:        payload,
	}
}

// SameContent reports whether o carries the tenant, type and payload of ev.
// Ids and occurrence times are not compared.
func (ev Event) SameContent(o Event) bool {
	if ev.TenantID != o.TenantID || ev.Type != o.Type || ev.PayloadVersion != o.PayloadVersion {
		return false
	}
	a, err := json.Marshal(ev.Envelope().Payload)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o.Envelope().Payload)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
