// Package ratelimit bounds how many inbound commands an install may send.
// Limiters count per key over a sliding window; Policy applies the
// per-install and per-command caps.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter counts requests per key. A denied request is not counted.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}
