// Package inbound executes signed commands sent by third-party installs,
// at most once per (install, idempotency key).
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	InstallIDHeader      = "X-HarborRelay-Install-Id"
	IdempotencyKeyHeader = "Idempotency-Key"

	maxIdempotencyKeyLen = 255
)

var (
	ErrBadRequest       = errors.New("bad inbound request")
	ErrHandlerExists    = errors.New("command handler already registered")
	ErrSecretUnreadable = errors.New("install secret unreadable")
)

// Request is one inbound command as received over HTTP.
type Request struct {
	InstallID      string
	Command        string
	IdempotencyKey string
	Timestamp      string
	Signature      string
	Body           []byte
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.InstallID) == "":
		return fmt.Errorf("%w: install id is required", ErrBadRequest)
	case strings.TrimSpace(r.Command) == "":
		return fmt.Errorf("%w: command is required", ErrBadRequest)
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency key is required", ErrBadRequest)
	case len(r.IdempotencyKey) > maxIdempotencyKeyLen:
		return fmt.Errorf("%w: idempotency key longer than %d", ErrBadRequest, maxIdempotencyKeyLen)
	}
	return nil
}

// Result is the outcome returned to the caller. Replayed is set when the
// outcome came from the command log instead of a fresh execution.
type Result struct {
	Status     delivery.CommandStatus `json:"status"`
	Replayed   bool                   `json:"replayed"`
	Output     json.RawMessage        `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryAfter time.Duration          `json:"-"`
	LimitScope string                 `json:"-"`
}

// Command is what a handler sees. The install has already been authenticated.
type Command struct {
	Install delivery.Install
	Name    string
	Body    json.RawMessage
}

// Handler executes one command. Its return value is stored as JSON.
type Handler func(ctx context.Context, cmd Command) (any, error)

// SecretOpener decrypts install secrets; *signing.SecretBox implements it.
type SecretOpener interface {
	Open(ciphertext string) (string, error)
}

// SignatureVerifier is satisfied by *signing.Verifier.
type SignatureVerifier interface {
	Verify(secret, timestamp string, body []byte, signature string) error
}

// RateLimiter is satisfied by *ratelimit.Policy.
type RateLimiter interface {
	Allow(ctx context.Context, installID, command string) (ratelimit.Decision, string)
}

type Deps struct {
	Installs store.InstallRepository
	Commands store.CommandLog
	Secrets  SecretOpener
	Verifier SignatureVerifier
	Limiter  RateLimiter // nil disables rate limiting
	Logger   *logging.Logger
	Now      func() time.Time
}

type Service struct {
	installs store.InstallRepository
	commands store.CommandLog
	secrets  SecretOpener
	verifier SignatureVerifier
	limiter  RateLimiter
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("inbound")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		installs: deps.Installs,
		commands: deps.Commands,
		secrets:  deps.Secrets,
		verifier: deps.Verifier,
		limiter:  deps.Limiter,
		logger:   logger,
		now:      now,
		handlers: make(map[string]Handler),
	}
}

// Register adds the handler for command name.
func (s *Service) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("%w: handler needs a name and a func", ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	s.handlers[name] = h
	return nil
}

func (s *Service) handler(name string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[name]
}

// Process authenticates, rate limits and executes req. A returned error means
// the request never reached the command log (bad input or a store failure).
func (s *Service) Process(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "inbound.Process",
		attribute.String("install_id", req.InstallID),
		attribute.String("command", req.Command),
	)
	defer span.End()

	if err := req.validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	log := s.logger.WithContext(ctx).WithInstall(req.InstallID).WithField("command", req.Command)

	// Authenticate the install
	install, err := s.installs.Get(ctx, req.InstallID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.authFailed(ctx, req, "unknown install"), nil
	case err != nil:
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("load install: %w", err)
	case !install.Enabled:
		return s.authFailed(ctx, req, "install disabled"), nil
	}
	secret, err := s.secrets.Open(install.SecretCiphertext)
	if err != nil {
		log.WithError(err).Error("install secret could not be decrypted")
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("%w: %v", ErrSecretUnreadable, err)
	}
	if err := s.verifier.Verify(secret, req.Timestamp, req.Body, req.Signature); err != nil {
		return s.authFailed(ctx, req, err.Error()), nil
	}

	// Rate limit before claiming so a throttled key can be retried later
	if s.limiter != nil {
		if d, scope := s.limiter.Allow(ctx, req.InstallID, req.Command); !d.Allowed {
			log.WithFields(map[string]any{"scope": scope, "retry_after": d.RetryAfter.String()}).Warn("inbound command rate limited")
			metrics.RecordInbound(string(delivery.CommandRateLimited), false)
			return Result{
				Status:     delivery.CommandRateLimited,
				Error:      ratelimit.ErrRateLimited.Error(),
				RetryAfter: d.RetryAfter,
				LimitScope: scope,
			}, nil
		}
	}

	// Claim the idempotency key; an existing record is returned as is
	tracing.AddSpanEvent(ctx, "idempotency.claim")
	existing, claimed, err := s.commands.Claim(ctx, delivery.CommandRecord{
		InstallID:      req.InstallID,
		IdempotencyKey: req.IdempotencyKey,
		Command:        req.Command,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		if existing == nil {
			return Result{}, fmt.Errorf("claim idempotency key: no record returned")
		}
		log.WithFields(map[string]any{"idempotency_key": req.IdempotencyKey, "status": existing.Status}).Info("inbound command replayed")
		metrics.RecordInbound(string(existing.Status), true)
		return Result{
			Status:   existing.Status,
			Replayed: true,
			Output:   existing.Result,
			Error:    existing.Error,
		}, nil
	}

	res := s.execute(ctx, install, req)

	completedAt := s.now().UTC()
	if err := s.commands.Complete(ctx, delivery.CommandRecord{
		InstallID:      req.InstallID,
		IdempotencyKey: req.IdempotencyKey,
		Command:        req.Command,
		Status:         res.Status,
		Result:         res.Output,
		Error:          res.Error,
		CompletedAt:    &completedAt,
	}); err != nil {
		// the command ran; the key stays IN_PROGRESS and replays report that
		log.WithError(err).Error("failed to complete command log record")
		tracing.SetSpanError(ctx, err)
	}

	metrics.RecordInbound(string(res.Status), false)
	log.WithFields(map[string]any{"idempotency_key": req.IdempotencyKey, "status": res.Status}).Info("inbound command processed")
	return res, nil
}

func (s *Service) execute(ctx context.Context, install delivery.Install, req Request) (res Result) {
	h := s.handler(req.Command)
	if h == nil {
		return Result{Status: delivery.CommandUnknown, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithContext(ctx).WithInstall(req.InstallID).WithField("panic", fmt.Sprint(r)).Error("command handler panicked")
			res = Result{Status: delivery.CommandFailed, Error: "internal error"}
		}
	}()

	out, err := h(ctx, Command{Install: install, Name: req.Command, Body: req.Body})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{Status: delivery.CommandFailed, Error: err.Error()}
	}
	if out == nil {
		return Result{Status: delivery.CommandExecuted}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Result{Status: delivery.CommandFailed, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return Result{Status: delivery.CommandExecuted, Output: raw}
}

// authFailed logs a security event. Nothing is written to the command log.
func (s *Service) authFailed(ctx context.Context, req Request, reason string) Result {
	s.logger.WithContext(ctx).WithInstall(req.InstallID).WithFields(map[string]any{
		"security_event":  true,
		"command":         req.Command,
		"idempotency_key": req.IdempotencyKey,
		"reason":          reason,
	}).Warn("inbound command authentication failed")
	tracing.AddSpanEvent(ctx, "auth.failed", attribute.String("reason", reason))
	metrics.RecordInbound(string(delivery.CommandAuthFailed), false)
	return Result{Status: delivery.CommandAuthFailed, Error: "authentication failed"}
}
