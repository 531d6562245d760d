package worker

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
)

// RetryPolicy bounds how a chain is retried.
type RetryPolicy struct {
	MaxAttempts         int           // network attempts per chain
	BaseDelay           time.Duration // delay after the first failure, doubled per attempt
	MaxDelay            time.Duration
	JitterPct           float64 // +/- fraction applied to every delay
	MaxRetryAfter       time.Duration
	MaxCircuitDeferrals int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		BaseDelay:           10 * time.Second,
		MaxDelay:            time.Hour,
		JitterPct:           0.1,
		MaxRetryAfter:       time.Hour,
		MaxCircuitDeferrals: 20,
	}
}

// PolicyFromConfig fills zero values with defaults.
func PolicyFromConfig(c config.Worker) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.JitterPercent >= 0 && c.JitterPercent <= 1 {
		p.JitterPct = c.JitterPercent
	}
	if c.MaxRetryAfter > 0 {
		p.MaxRetryAfter = c.MaxRetryAfter
	}
	if c.MaxCircuitDeferrals > 0 {
		p.MaxCircuitDeferrals = c.MaxCircuitDeferrals
	}
	return p
}

// Backoff returns the delay before the next attempt once n network attempts
// have failed: BaseDelay * 2^(n-1), capped at MaxDelay, then jittered.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := p.BaseDelay
	for i := 1; i < n && base < p.MaxDelay; i++ {
		base *= 2
	}
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	return jitter(base, p.JitterPct)
}

// throttleDelay honors a receiver's Retry-After, falling back to Backoff.
func (p RetryPolicy) throttleDelay(n int, retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		return p.Backoff(n)
	}
	if p.MaxRetryAfter > 0 && retryAfter > p.MaxRetryAfter {
		return p.MaxRetryAfter
	}
	return retryAfter
}

func jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	// jitter: +/- pct
	j := 1 + (rand.Float64()*2-1)*pct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(d) * j)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means absent or unusable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
