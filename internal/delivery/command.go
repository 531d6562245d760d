package delivery

import (
	"encoding/json"
	"time"
)

// Install is a third-party app credential allowed to send inbound commands.
type Install struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Name             string    `json:"name"`
	SecretCiphertext string    `json:"-"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// CommandStatus is the recorded outcome of an inbound command.
type CommandStatus string

const (
	CommandInProgress  CommandStatus = "IN_PROGRESS"
	CommandExecuted    CommandStatus = "EXECUTED"
	CommandFailed      CommandStatus = "FAILED"
	CommandAuthFailed  CommandStatus = "AUTH_FAILED"
	CommandRateLimited CommandStatus = "RATE_LIMITED"
	CommandUnknown     CommandStatus = "UNKNOWN_COMMAND"
)

// CommandRecord is one row of the inbound command log, unique per (install, idempotency key).
type CommandRecord struct {
	InstallID      string          `json:"install_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Command        string          `json:"command"`
	Status         CommandStatus   `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
