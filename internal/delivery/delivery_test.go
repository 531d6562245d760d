package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewDeadLetter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status := 503
	ev := Event{ID: "evt_1", TenantID: "tn_1", Type: "invoice.paid", Payload: map[string]any{"amount": 10}}

	tests := []struct {
		name           string
		task           Task
		last           *Attempt
		reason         string
		wantAttempt    int
		wantHTTPStatus int
		wantLastError  string
	}{
		{
			name:           "with terminal attempt",
			task:           Task{ChainID: "ch_1", EndpointID: "ep_1", Event: ev, Attempt: 5},
			last:           &Attempt{ID: "att_5", AttemptNumber: 5, HTTPStatus: &status, ErrorSummary: "receiver returned 503"},
			reason:         "attempts_exhausted",
			wantAttempt:    5,
			wantHTTPStatus: 503,
			wantLastError:  "receiver returned 503",
		},
		{
			name:        "without attempt row",
			task:        Task{ChainID: "ch_2", EndpointID: "ep_2", Event: ev, Attempt: 3},
			reason:      "endpoint_disabled",
			wantAttempt: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := NewDeadLetter(tt.task, tt.last, tt.reason, now)

			if dl.Type != DLQType {
				t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
			}
			if dl.Version != "v2" {
				t.Errorf("NewDeadLetter() Version = %q, want v2", dl.Version)
			}
			if dl.At != now.Format(time.RFC3339Nano) {
				t.Errorf("NewDeadLetter() At = %q, want %q", dl.At, now.Format(time.RFC3339Nano))
			}
			if dl.Attempt != tt.wantAttempt {
				t.Errorf("NewDeadLetter() Attempt = %d, want %d", dl.Attempt, tt.wantAttempt)
			}
			if dl.HTTPStatus != tt.wantHTTPStatus {
				t.Errorf("NewDeadLetter() HTTPStatus = %d, want %d", dl.HTTPStatus, tt.wantHTTPStatus)
			}
			if dl.LastError != tt.wantLastError {
				t.Errorf("NewDeadLetter() LastError = %q, want %q", dl.LastError, tt.wantLastError)
			}
			if dl.TenantID != "tn_1" || dl.Event.ID != "evt_1" {
				t.Errorf("NewDeadLetter() event snapshot = %+v", dl.Event)
			}

			b, err := json.Marshal(dl)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			if !strings.Contains(string(b), `"type":"delivery.dlq"`) {
				t.Errorf("serialized dead letter missing type: %s", b)
			}
		})
	}
}

func TestTask_Next(t *testing.T) {
	at := time.Now().Add(20 * time.Second)
	task := Task{ChainID: "ch", AttemptID: "att_1", Attempt: 1, NetworkAttempts: 1, Trigger: TriggerDispatch}

	next := task.Next(at)
	if next.Attempt != 2 {
		t.Errorf("Next() Attempt = %d, want 2", next.Attempt)
	}
	if next.AttemptID != "" {
		t.Errorf("Next() AttemptID = %q, want empty", next.AttemptID)
	}
	if next.Trigger != TriggerRetry {
		t.Errorf("Next() Trigger = %q, want %q", next.Trigger, TriggerRetry)
	}
	if !next.NotBefore.Equal(at) {
		t.Errorf("Next() NotBefore = %v, want %v", next.NotBefore, at)
	}
	if next.NetworkAttempts != 1 || next.ChainID != "ch" {
		t.Errorf("Next() should carry chain state, got %+v", next)
	}
}

func TestEndpoint_Subscribes(t *testing.T) {
	tests := []struct {
		name      string
		types     []string
		eventType string
		want      bool
	}{
		{"exact match", []string{"deal.updated", "invoice.paid"}, "invoice.paid", true},
		{"no match", []string{"deal.updated"}, "invoice.paid", false},
		{"wildcard", []string{"*"}, "anything.at_all", true},
		{"empty", nil, "deal.updated", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := Endpoint{EventTypes: tt.types}
			if got := ep.Subscribes(tt.eventType); got != tt.want {
				t.Errorf("Subscribes(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestEndpoint_Validate(t *testing.T) {
	tests := []struct {
		name          string
		ep            Endpoint
		allowInsecure bool
		wantErr       error
	}{
		{"valid https", Endpoint{TenantID: "t", URL: "https://hooks.example.com/x", EventTypes: []string{"a"}}, false, nil},
		{"http rejected", Endpoint{TenantID: "t", URL: "http://hooks.example.com/x", EventTypes: []string{"a"}}, false, ErrEndpointURL},
		{"http allowed in dev", Endpoint{TenantID: "t", URL: "http://localhost:8081/hook", EventTypes: []string{"a"}}, true, nil},
		{"relative url", Endpoint{TenantID: "t", URL: "/hook", EventTypes: []string{"a"}}, false, ErrEndpointURL},
		{"ftp scheme", Endpoint{TenantID: "t", URL: "ftp://example.com", EventTypes: []string{"a"}}, true, ErrEndpointURL},
		{"missing tenant", Endpoint{URL: "https://example.com", EventTypes: []string{"a"}}, false, ErrEndpointTenant},
		{"no event types", Endpoint{TenantID: "t", URL: "https://example.com"}, false, ErrEndpointEventTypes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ep.Validate(tt.allowInsecure)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvent_Envelope(t *testing.T) {
	ev := NewEvent("tn_1", "deal.updated", nil)
	if ev.ID == "" {
		t.Fatal("NewEvent() should assign an id")
	}
	if ev.OccurredAt.Location() != time.UTC {
		t.Errorf("NewEvent() OccurredAt should be UTC")
	}

	env := ev.Envelope()
	if env.EventID != ev.ID || env.EventType != "deal.updated" {
		t.Errorf("Envelope() = %+v", env)
	}
	if env.Payload == nil {
		t.Error("Envelope() Payload should never be nil")
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	for _, key := range []string{`"eventId"`, `"eventType"`, `"occurredAt"`, `"payload"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("envelope JSON missing %s: %s", key, b)
		}
	}
}

func TestAttempt_Finalize(t *testing.T) {
	now := time.Now()
	retryAt := now.Add(10 * time.Second)
	ev := Event{ID: "evt", TenantID: "tn", Type: "x"}

	tests := []struct {
		name         string
		status       Status
		httpStatus   int
		retryAt      *time.Time
		wantRetry    bool
		wantHTTP     bool
		wantTerminal bool
	}{
		{"success", StatusSuccess, 200, nil, false, true, true},
		{"failed with retry", StatusFailed, 500, &retryAt, true, true, false},
		{"abandoned drops retry", StatusAbandoned, 404, &retryAt, false, true, true},
		{"network failure has no status", StatusFailed, 0, &retryAt, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAttempt("ch", ev, "ep", 1, TriggerDispatch, now)
			if a.Status != StatusPending {
				t.Fatalf("NewAttempt() Status = %q, want PENDING", a.Status)
			}
			a.Finalize(tt.status, tt.httpStatus, time.Second, "r", "s", tt.retryAt, now)

			if (a.ScheduledRetryAt != nil) != tt.wantRetry {
				t.Errorf("ScheduledRetryAt set = %v, want %v", a.ScheduledRetryAt != nil, tt.wantRetry)
			}
			if (a.HTTPStatus != nil) != tt.wantHTTP {
				t.Errorf("HTTPStatus set = %v, want %v", a.HTTPStatus != nil, tt.wantHTTP)
			}
			if a.Status.Terminal() != tt.wantTerminal {
				t.Errorf("Terminal() = %v, want %v", a.Status.Terminal(), tt.wantTerminal)
			}
			if a.FinalizedAt == nil {
				t.Error("FinalizedAt should be set")
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
	}{
		{"transient", NewTransient("timeout", errors.New("deadline")), ErrTransientNetwork, true},
		{"client rejected", NewClientRejected(404), ErrClientRejected, false},
		{"throttled", NewThrottled(429, time.Minute), ErrThrottled, true},
		{"circuit open", NewCircuitOpen(time.Now()), ErrCircuitOpen, true},
		{"disabled", NewEndpointDisabled(), ErrEndpointDisabled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("deliver: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.sentinel)
			}
			var de *Error
			if !errors.As(wrapped, &de) {
				t.Fatal("errors.As() should find *Error")
			}
			if de.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", de.Retryable(), tt.retryable)
			}
			if de.Error() == "" {
				t.Error("Error() should not be empty")
			}
		})
	}
}
