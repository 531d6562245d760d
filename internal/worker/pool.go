// Package worker runs the bounded delivery pool: per-endpoint FIFO
// sub-queues served round robin, delayed retries parked off-worker, and the
// sign, POST, classify, record cycle for every attempt.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store"
)

var ErrStopped = errors.New("worker pool stopped")

// EndpointSource reloads endpoints before every attempt.
type EndpointSource interface {
	Get(ctx context.Context, id string) (delivery.Endpoint, error)
}

// SecretOpener decrypts endpoint signing secrets.
type SecretOpener interface {
	Open(ciphertext string) (string, error)
}

type Config struct {
	Workers        int
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Workers:        16,
		RequestTimeout: 10 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// ConfigFrom maps the service configuration onto the pool, keeping defaults for zero values.
func ConfigFrom(c config.Worker) Config {
	cfg := DefaultConfig()
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.RequestTimeout > 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	cfg.Retry = PolicyFromConfig(c)
	return cfg
}

type Deps struct {
	Attempts    store.AttemptLog
	Endpoints   EndpointSource
	Breakers    *circuit.Registry
	Secrets     SecretOpener
	Signer      *signing.Signer
	DeadLetters DeadLetterPublisher
	Client      *http.Client
	Logger      *logging.Logger
	Now         func() time.Time
}

type Pool struct {
	cfg         Config
	attempts    store.AttemptLog
	endpoints   EndpointSource
	breakers    *circuit.Registry
	secrets     SecretOpener
	signer      *signing.Signer
	deadLetters DeadLetterPublisher
	client      *http.Client
	logger      *logging.Logger
	now         func() time.Time

	queue    *queue
	inFlight atomic.Int64
	stopped  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("worker")
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{
			// receivers must answer the POST itself
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	signer := deps.Signer
	if signer == nil {
		signer = &signing.Signer{Now: now}
	}
	dl := deps.DeadLetters
	if dl == nil {
		dl = LogDeadLetters{Logger: logger}
	}
	return &Pool{
		cfg:         cfg,
		attempts:    deps.Attempts,
		endpoints:   deps.Endpoints,
		breakers:    deps.Breakers,
		secrets:     deps.Secrets,
		signer:      signer,
		deadLetters: dl,
		client:      client,
		logger:      logger,
		now:         now,
		queue:       newQueue(now),
	}
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.logger.WithFields(map[string]any{
		"workers":      p.cfg.Workers,
		"max_attempts": p.cfg.Retry.MaxAttempts,
		"base_delay":   p.cfg.Retry.BaseDelay.String(),
	}).Info("worker pool started")
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		t, ok := p.queue.next(ctx)
		if !ok {
			return
		}
		metrics.SetQueueDepth(p.queue.len())
		metrics.SetInFlight(int(p.inFlight.Add(1)))
		// in-flight calls finish on their own timeout when the pool stops
		p.process(context.WithoutCancel(ctx), t)
		metrics.SetInFlight(int(p.inFlight.Add(-1)))
		p.queue.done(t.EndpointID)
	}
}

// Submit queues a task. Tasks with a future NotBefore wait in the delay heap.
func (p *Pool) Submit(t delivery.Task) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	p.queue.push(t)
	metrics.SetQueueDepth(p.queue.len())
	return nil
}

// Len reports queued plus delayed tasks.
func (p *Pool) Len() int {
	return p.queue.len()
}

// CancelEndpoint drops every queued and delayed task of the endpoint and
// returns them. In-flight attempts are not interrupted.
func (p *Pool) CancelEndpoint(endpointID string) []delivery.Task {
	dropped := p.queue.cancel(endpointID)
	metrics.SetQueueDepth(p.queue.len())
	return dropped
}

// DisableEndpoint cancels the endpoint's queued work and finalizes each
// dropped chain ABANDONED.
func (p *Pool) DisableEndpoint(ctx context.Context, endpointID string) int {
	dropped := p.CancelEndpoint(endpointID)
	for _, t := range dropped {
		p.abandon(ctx, t, ReasonEndpointDisabled, "endpoint disabled")
	}
	if len(dropped) > 0 {
		p.logger.WithContext(ctx).WithEndpoint(endpointID).
			WithField("chains", len(dropped)).
			Info("queued deliveries abandoned for disabled endpoint")
	}
	return len(dropped)
}

// Stop stops handing out tasks and waits for in-flight attempts, or until ctx is done.
// Queued work stays in the delivery log and is resumed on the next start.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopped.Store(true)
	p.queue.close()
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Plain().WithField("left_in_queue", p.queue.len()).Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
