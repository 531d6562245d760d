package delivery

import (
	"errors"
	"fmt"
	"time"
)

// Kind groups delivery failures by how the worker must react to them.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindClientRejected   Kind = "client_rejected"
	KindThrottled        Kind = "throttled_by_receiver"
	KindCircuitOpen      Kind = "circuit_open"
	KindEndpointDisabled Kind = "endpoint_disabled"
)

var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrClientRejected   = errors.New("client rejected delivery")
	ErrThrottled        = errors.New("throttled by receiver")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrEndpointDisabled = errors.New("endpoint disabled")

	ErrNotFound = errors.New("not found")
)

var kindSentinels = map[Kind]error{
	KindTransientNetwork: ErrTransientNetwork,
	KindClientRejected:   ErrClientRejected,
	KindThrottled:        ErrThrottled,
	KindCircuitOpen:      ErrCircuitOpen,
	KindEndpointDisabled: ErrEndpointDisabled,
}

// Error is a classified delivery failure. errors.Is matches the Kind sentinel.
type Error struct {
	Kind       Kind
	Reason     string        // fine-grained code: timeout, dns_error, http_503, ...
	StatusCode int           // 0 when no response was received
	RetryAfter time.Duration // receiver hint for 408/429, 0 when absent
	RetryAt    time.Time     // breaker ready time for circuit_open
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s (%s): receiver returned %d", e.Kind, e.Reason, e.StatusCode)
	default:
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether the failure may be retried within the normal
// attempt budget. ClientRejected gets a single extra try, enforced by the worker.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransientNetwork, KindThrottled, KindCircuitOpen:
		return true
	default:
		return false
	}
}

func NewTransient(reason string, err error) *Error {
	return &Error{Kind: KindTransientNetwork, Reason: reason, Err: err}
}

func NewClientRejected(status int) *Error {
	return &Error{Kind: KindClientRejected, Reason: fmt.Sprintf("http_%d", status), StatusCode: status}
}

func NewThrottled(status int, retryAfter time.Duration) *Error {
	return &Error{Kind: KindThrottled, Reason: fmt.Sprintf("http_%d", status), StatusCode: status, RetryAfter: retryAfter}
}

func NewCircuitOpen(retryAt time.Time) *Error {
	return &Error{Kind: KindCircuitOpen, Reason: "circuit_open", RetryAt: retryAt}
}

func NewEndpointDisabled() *Error {
	return &Error{Kind: KindEndpointDisabled, Reason: "endpoint_disabled"}
}
