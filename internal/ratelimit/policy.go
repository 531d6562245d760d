package ratelimit

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

const (
	ScopeInstall = "install"
	ScopeCommand = "command"
)

type PolicyConfig struct {
	PerInstall       int // 0 disables the cap
	PerInstallWindow time.Duration
	PerCommand       int
	PerCommandWindow time.Duration
}

// Policy applies the per-install cap, then the per-command cap. Limiter
// errors admit the request.
type Policy struct {
	limiter Limiter
	cfg     PolicyConfig
	logger  *logging.Logger
}

func NewPolicy(l Limiter, cfg PolicyConfig, logger *logging.Logger) *Policy {
	if logger == nil {
		logger = logging.New("ratelimit")
	}
	return &Policy{limiter: l, cfg: cfg, logger: logger}
}

// Allow reports whether installID may run command now. scope names the cap
// that denied it.
func (p *Policy) Allow(ctx context.Context, installID, command string) (Decision, string) {
	if p.cfg.PerInstall > 0 {
		d := p.check(ctx, "install:"+installID, p.cfg.PerInstall, p.cfg.PerInstallWindow, installID)
		if !d.Allowed {
			metrics.RecordRateLimited(ScopeInstall)
			return d, ScopeInstall
		}
		if p.cfg.PerCommand <= 0 {
			return d, ""
		}
	}
	if p.cfg.PerCommand > 0 {
		d := p.check(ctx, "command:"+installID+":"+command, p.cfg.PerCommand, p.cfg.PerCommandWindow, installID)
		if !d.Allowed {
			metrics.RecordRateLimited(ScopeCommand)
			return d, ScopeCommand
		}
		return d, ""
	}
	return Decision{Allowed: true}, ""
}

func (p *Policy) check(ctx context.Context, key string, limit int, window time.Duration, installID string) Decision {
	d, err := p.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		p.logger.WithContext(ctx).WithInstall(installID).WithError(err).Warn("rate limit check failed, allowing request (degraded mode)")
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}
	return d
}
