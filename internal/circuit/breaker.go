// Package circuit implements the per-endpoint circuit breaker that stops the
// relay from hammering receivers that keep failing.
package circuit

import (
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Window           time.Duration // a failure streak older than this restarts at 1; 0 disables
	Cooldown         time.Duration // first OPEN period
	MaxCooldown      time.Duration // cap for the doubled cool-down after failed probes
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 10,
		Window:           10 * time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Transition describes one state change.
type Transition struct {
	EndpointID string
	From       delivery.CircuitState
	To         delivery.CircuitState
	Cause      string // failures, cooldown_elapsed, probe_succeeded, probe_failed, forced:<reason>, reset
	At         time.Time
}

// Permit is returned by Allow. Probe is set for the single HALF_OPEN trial.
type Permit struct {
	Probe bool
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	delivery.Health
	RetryAt *time.Time `json:"retry_at,omitempty"`
	Forced  string     `json:"forced,omitempty"`
}

// Breaker is the state machine for one endpoint. All methods are safe for
// concurrent use.
type Breaker struct {
	mu          sync.Mutex
	persistMu   sync.Mutex // orders health writes for this endpoint
	endpointID  string
	cfg         Config
	state       delivery.CircuitState
	failures    int
	streakStart time.Time
	openedAt    time.Time
	cooldown    time.Duration
	forced      string

	probeInFlight  bool
	probeStartedAt time.Time

	lastSuccess *time.Time
	lastFailure *time.Time
}

func NewBreaker(endpointID string, cfg Config) *Breaker {
	return &Breaker{
		endpointID: endpointID,
		cfg:        cfg,
		state:      delivery.CircuitClosed,
		cooldown:   cfg.Cooldown,
	}
}

// restore loads persisted health. A persisted HALF_OPEN is treated as an
// OPEN circuit whose cool-down already elapsed, so a fresh probe is granted.
func (b *Breaker) restore(h delivery.Health, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = h.ConsecutiveFailures
	b.lastSuccess = h.LastSuccessAt
	b.lastFailure = h.LastFailureAt
	if h.Cooldown > 0 {
		b.cooldown = h.Cooldown
	}
	if h.LastFailureAt != nil {
		b.streakStart = *h.LastFailureAt
	}

	switch h.CircuitState {
	case delivery.CircuitOpen:
		b.state = delivery.CircuitOpen
		b.openedAt = now
		if h.OpenedAt != nil {
			b.openedAt = *h.OpenedAt
		}
	case delivery.CircuitHalfOpen:
		b.state = delivery.CircuitOpen
		b.openedAt = now.Add(-b.cooldown)
	default:
		b.state = delivery.CircuitClosed
	}
}

// probeLease bounds how long a HALF_OPEN probe permit may stay unreported
// before another probe is granted.
func (b *Breaker) probeLease() time.Duration {
	if b.cfg.Cooldown > 30*time.Second {
		return b.cfg.Cooldown
	}
	return 30 * time.Second
}

// Allow decides whether a delivery may go out now. An OPEN circuit returns a
// *delivery.Error of kind circuit_open carrying the time to retry.
func (b *Breaker) Allow(now time.Time) (Permit, *Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case delivery.CircuitClosed:
		return Permit{}, nil, nil

	case delivery.CircuitOpen:
		readyAt := b.openedAt.Add(b.cooldown)
		if now.Before(readyAt) {
			return Permit{}, nil, delivery.NewCircuitOpen(readyAt)
		}
		tr := b.transition(delivery.CircuitHalfOpen, "cooldown_elapsed", now)
		b.probeInFlight = true
		b.probeStartedAt = now
		return Permit{Probe: true}, tr, nil

	default: // HALF_OPEN
		if b.probeInFlight && now.Sub(b.probeStartedAt) < b.probeLease() {
			return Permit{}, nil, delivery.NewCircuitOpen(b.probeStartedAt.Add(b.probeLease()))
		}
		b.probeInFlight = true
		b.probeStartedAt = now
		return Permit{Probe: true}, nil, nil
	}
}

// Record feeds the outcome of a permitted attempt back into the breaker.
func (b *Breaker) Record(success bool, now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := now
	if success {
		b.lastSuccess = &t
	} else {
		b.lastFailure = &t
	}

	switch b.state {
	case delivery.CircuitHalfOpen:
		b.probeInFlight = false
		if success {
			b.failures = 0
			b.cooldown = b.cfg.Cooldown
			b.forced = ""
			return b.transition(delivery.CircuitClosed, "probe_succeeded", now)
		}
		b.failures++
		b.cooldown = b.nextCooldown()
		b.openedAt = now
		return b.transition(delivery.CircuitOpen, "probe_failed", now)

	case delivery.CircuitOpen:
		// late result from a request permitted before the circuit opened
		return nil

	default:
		if success {
			b.failures = 0
			return nil
		}
		if b.failures == 0 || (b.cfg.Window > 0 && now.Sub(b.streakStart) > b.cfg.Window) {
			b.failures = 0
			b.streakStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.cooldown = b.cfg.Cooldown
			return b.transition(delivery.CircuitOpen, "failures", now)
		}
		return nil
	}
}

// Release returns an unused probe permit, for attempts that ended before
// reaching the receiver.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// ForceOpen opens the circuit for the maximum cool-down regardless of the
// failure counter. Re-forcing an open circuit restarts its cool-down.
func (b *Breaker) ForceOpen(reason string, now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = reason
	b.openedAt = now
	b.cooldown = b.cfg.MaxCooldown
	b.probeInFlight = false
	if b.state == delivery.CircuitOpen {
		return nil
	}
	return b.transition(delivery.CircuitOpen, "forced:"+reason, now)
}

// Reset closes the circuit and clears counters.
func (b *Breaker) Reset(now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.cooldown = b.cfg.Cooldown
	b.forced = ""
	b.probeInFlight = false
	if b.state == delivery.CircuitClosed {
		return nil
	}
	return b.transition(delivery.CircuitClosed, "reset", now)
}

// Snapshot returns the breaker health for persistence and the health API.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Health: delivery.Health{
			CircuitState:        b.state,
			ConsecutiveFailures: b.failures,
			LastSuccessAt:       b.lastSuccess,
			LastFailureAt:       b.lastFailure,
			Cooldown:            b.cooldown,
		},
		Forced: b.forced,
	}
	if b.state != delivery.CircuitClosed {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	if b.state == delivery.CircuitOpen {
		retryAt := b.openedAt.Add(b.cooldown)
		s.RetryAt = &retryAt
	}
	return s
}

func (b *Breaker) nextCooldown() time.Duration {
	next := b.cooldown * 2
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	return next
}

func (b *Breaker) transition(to delivery.CircuitState, cause string, now time.Time) *Transition {
	tr := &Transition{EndpointID: b.endpointID, From: b.state, To: to, Cause: cause, At: now}
	b.state = to
	return tr
}
