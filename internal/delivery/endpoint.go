// Package delivery holds the relay's domain types: endpoints, events,
// attempt chains, queued tasks, dead letters and the failure taxonomy.
package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// CircuitState is the breaker state persisted on an endpoint.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Endpoint is a tenant-registered webhook receiver.
type Endpoint struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	URL              string    `json:"url"`
	SecretCiphertext string    `json:"-"`
	EventTypes       []string  `json:"event_types"`
	Enabled          bool      `json:"enabled"`
	Health           Health    `json:"health"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Health is the breaker-owned part of an endpoint row.
type Health struct {
	CircuitState        CircuitState  `json:"circuit_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown,omitempty"`
}

// Subscribes reports whether the endpoint wants events of eventType.
// "*" subscribes to everything.
func (e Endpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.EventTypes, eventType) || slices.Contains(e.EventTypes, "*")
}

var (
	ErrEndpointURL        = errors.New("endpoint url must be an absolute https url")
	ErrEndpointEventTypes = errors.New("endpoint must subscribe to at least one event type")
	ErrEndpointTenant     = errors.New("endpoint tenant id is required")
)

// ValidateEndpointURL enforces HTTPS. allowInsecure admits http for local receivers.
func ValidateEndpointURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrEndpointURL
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
	}
	return ErrEndpointURL
}

// Validate checks a new endpoint before it is persisted.
func (e Endpoint) Validate(allowInsecure bool) error {
	if e.TenantID == "" {
		return ErrEndpointTenant
	}
	if err := ValidateEndpointURL(e.URL, allowInsecure); err != nil {
		return fmt.Errorf("%w: %q", err, e.URL)
	}
	if len(e.EventTypes) == 0 {
		return ErrEndpointEventTypes
	}
	return nil
}
