package delivery

import "time"

// Task is one unit of work for the worker pool: deliver the next attempt of a chain.
type Task struct {
	ChainID          string            `json:"chain_id"`
	AttemptID        string            `json:"attempt_id,omitempty"` // pre-recorded row to finalize instead of inserting a new one
	EndpointID       string            `json:"endpoint_id"`
	Event            Event             `json:"event"`
	Attempt          int               `json:"attempt"`           // chain position of the attempt this task produces
	NetworkAttempts  int               `json:"network_attempts"`  // HTTP calls already made in this chain
	ClientRejections int               `json:"client_rejections"` // non-retryable 4xx responses seen so far
	CircuitDeferrals int               `json:"circuit_deferrals"`
	Trigger          Trigger           `json:"trigger"`
	ReplayOf         string            `json:"replay_of,omitempty"`
	NotBefore        time.Time         `json:"not_before"`
	TraceHeaders     map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Next returns the task for the following attempt of the same chain.
func (t Task) Next(notBefore time.Time) Task {
	n := t
	n.AttemptID = ""
	n.Attempt = t.Attempt + 1
	n.Trigger = TriggerRetry
	n.NotBefore = notBefore
	return n
}
