package circuit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// HealthWriter persists breaker state onto the endpoint row.
type HealthWriter interface {
	UpdateHealth(ctx context.Context, endpointID string, h delivery.Health) error
}

// Registry owns one Breaker per endpoint.
type Registry struct {
	cfg    Config
	writer HealthWriter
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
	hooks    []func(Transition)
}

func NewRegistry(cfg Config, writer HealthWriter, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.New("circuit")
	}
	return &Registry{
		cfg:      cfg,
		writer:   writer,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// OnTransition registers fn to be called after every state change.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Ensure returns the breaker for ep, seeding a new one from the persisted health.
func (r *Registry) Ensure(ep delivery.Endpoint) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[ep.ID]; ok {
		return b
	}
	b := NewBreaker(ep.ID, r.cfg)
	b.restore(ep.Health, r.now())
	r.breakers[ep.ID] = b
	return b
}

func (r *Registry) breaker(endpointID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpointID]
	if !ok {
		b = NewBreaker(endpointID, r.cfg)
		r.breakers[endpointID] = b
	}
	return b
}

// Allow asks the endpoint's breaker for a delivery permit.
func (r *Registry) Allow(ctx context.Context, endpointID string) (Permit, error) {
	b := r.breaker(endpointID)
	permit, tr, err := b.Allow(r.now())
	r.after(ctx, b, tr)
	return permit, err
}

// Record reports the outcome of a permitted delivery.
func (r *Registry) Record(ctx context.Context, endpointID string, success bool) {
	b := r.breaker(endpointID)
	tr := b.Record(success, r.now())
	r.persist(ctx, b)
	if tr != nil {
		r.emit(ctx, *tr)
	}
}

// Release returns an unused probe permit.
func (r *Registry) Release(endpointID string) {
	r.breaker(endpointID).Release()
}

// ForceOpen opens the endpoint's circuit from outside the failure counter,
// e.g. alert auto-mitigation.
func (r *Registry) ForceOpen(ctx context.Context, endpointID, reason string) {
	b := r.breaker(endpointID)
	tr := b.ForceOpen(reason, r.now())
	r.persist(ctx, b)
	if tr != nil {
		r.emit(ctx, *tr)
	}
}

// Reset closes the endpoint's circuit, used when an operator re-enables it.
func (r *Registry) Reset(ctx context.Context, endpointID string) {
	b := r.breaker(endpointID)
	tr := b.Reset(r.now())
	r.persist(ctx, b)
	if tr != nil {
		r.emit(ctx, *tr)
	}
}

// Snapshot reports current breaker health; unknown endpoints read as CLOSED.
func (r *Registry) Snapshot(endpointID string) Snapshot {
	r.mu.Lock()
	b, ok := r.breakers[endpointID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{Health: delivery.Health{CircuitState: delivery.CircuitClosed}}
	}
	return b.Snapshot()
}

// after persists and emits a transition produced by Allow.
func (r *Registry) after(ctx context.Context, b *Breaker, tr *Transition) {
	if tr == nil {
		return
	}
	r.persist(ctx, b)
	r.emit(ctx, *tr)
}

func (r *Registry) persist(ctx context.Context, b *Breaker) {
	if r.writer == nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	snap := b.Snapshot()
	if err := r.writer.UpdateHealth(ctx, b.endpointID, snap.Health); err != nil {
		r.logger.WithContext(ctx).WithEndpoint(b.endpointID).WithError(err).Error("persist circuit state failed")
	}
}

func (r *Registry) emit(ctx context.Context, tr Transition) {
	metrics.RecordCircuitTransition(tr.EndpointID, string(tr.From), string(tr.To), tr.Cause)

	entry := r.logger.WithContext(ctx).WithEndpoint(tr.EndpointID).WithFields(map[string]any{
		"from":  tr.From,
		"to":    tr.To,
		"cause": tr.Cause,
	})
	if tr.To == delivery.CircuitOpen {
		entry.Warn("circuit opened")
	} else {
		entry.Info("circuit transition")
	}

	r.mu.Lock()
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(tr)
	}
}
