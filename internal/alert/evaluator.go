// Package alert aggregates delivery outcomes from the log into alerts and,
// for auto-mitigating rules, force-opens the circuits of offending endpoints.
package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
)

type Scope string

const (
	ScopeTenant   Scope = "tenant"
	ScopeEndpoint Scope = "endpoint"
)

// Rule raises an alert when the failures of one group reach Threshold within Window.
type Rule struct {
	Name         string
	TenantID     string // empty matches every tenant
	Scope        Scope
	Threshold    int
	Window       time.Duration
	AutoMitigate bool
	Suppress     time.Duration // no re-fire for the same group within this period
}

func (r Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("alert rule: name is required")
	case r.Scope != ScopeTenant && r.Scope != ScopeEndpoint:
		return fmt.Errorf("alert rule %s: unknown scope %q", r.Name, r.Scope)
	case r.Threshold <= 0:
		return fmt.Errorf("alert rule %s: threshold must be positive", r.Name)
	case r.Window <= 0:
		return fmt.Errorf("alert rule %s: window must be positive", r.Name)
	}
	return nil
}

// RulesFromConfig builds the default tenant and endpoint rules. A zero threshold disables a rule.
func RulesFromConfig(c config.Alert) []Rule {
	var rules []Rule
	if c.TenantThreshold > 0 {
		rules = append(rules, Rule{
			Name:         "tenant_failure_spike",
			Scope:        ScopeTenant,
			Threshold:    c.TenantThreshold,
			Window:       c.Window,
			AutoMitigate: c.AutoMitigate,
			Suppress:     c.Suppress,
		})
	}
	if c.EndpointThreshold > 0 {
		rules = append(rules, Rule{
			Name:         "endpoint_failures",
			Scope:        ScopeEndpoint,
			Threshold:    c.EndpointThreshold,
			Window:       c.Window,
			AutoMitigate: c.AutoMitigate,
			Suppress:     c.Suppress,
		})
	}
	return rules
}

// Alert is one raised alert.
type Alert struct {
	Rule       string        `json:"rule"`
	Scope      Scope         `json:"scope"`
	TenantID   string        `json:"tenant_id"`
	EndpointID string        `json:"endpoint_id,omitempty"`
	Failures   int           `json:"failures"`
	Successes  int           `json:"successes"`
	Window     time.Duration `json:"window"`
	Endpoints  []string      `json:"endpoints"` // endpoints with failures in the window
	Mitigated  []string      `json:"mitigated,omitempty"`
	RaisedAt   time.Time     `json:"raised_at"`
}

// OutcomeSource is the read side of the delivery log used here.
type OutcomeSource interface {
	OutcomeCounts(ctx context.Context, since time.Time) ([]store.OutcomeCount, error)
}

// Mitigator force-opens endpoint circuits; *circuit.Registry implements it.
type Mitigator interface {
	ForceOpen(ctx context.Context, endpointID, reason string)
}

type Deps struct {
	Source    OutcomeSource
	Mitigator Mitigator
	Notifier  Notifier
	Logger    *logging.Logger
	Now       func() time.Time
}

type Evaluator struct {
	rules     []Rule
	source    OutcomeSource
	mitigator Mitigator
	notifier  Notifier
	logger    *logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func NewEvaluator(rules []Rule, deps Deps) (*Evaluator, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("alert")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		rules:     rules,
		source:    deps.Source,
		mitigator: deps.Mitigator,
		notifier:  notifier,
		logger:    logger,
		now:       now,
		lastFired: make(map[string]time.Time),
	}, nil
}

type group struct {
	key        string
	tenantID   string
	endpointID string
	successes  int
	failures   int
	endpoints  []string
}

// Tick evaluates every rule once against the log and returns the alerts raised.
func (e *Evaluator) Tick(ctx context.Context) ([]Alert, error) {
	now := e.now()
	byWindow := map[time.Duration][]store.OutcomeCount{}
	var raised []Alert

	for _, rule := range e.rules {
		counts, ok := byWindow[rule.Window]
		if !ok {
			var err error
			counts, err = e.source.OutcomeCounts(ctx, now.Add(-rule.Window))
			if err != nil {
				return raised, fmt.Errorf("outcome counts: %w", err)
			}
			byWindow[rule.Window] = counts
		}

		for _, g := range groupCounts(rule, counts) {
			if g.failures < rule.Threshold {
				continue
			}
			key := rule.Name + "|" + g.key
			if !e.claimFire(key, now, rule.Suppress) {
				continue
			}

			a := Alert{
				Rule:       rule.Name,
				Scope:      rule.Scope,
				TenantID:   g.tenantID,
				EndpointID: g.endpointID,
				Failures:   g.failures,
				Successes:  g.successes,
				Window:     rule.Window,
				Endpoints:  g.endpoints,
				RaisedAt:   now,
			}
			if rule.AutoMitigate && e.mitigator != nil {
				for _, id := range g.endpoints {
					e.mitigator.ForceOpen(ctx, id, "alert:"+rule.Name)
					a.Mitigated = append(a.Mitigated, id)
				}
			}
			if err := e.notifier.Notify(ctx, a); err != nil {
				e.logger.WithContext(ctx).WithTenant(a.TenantID).WithError(err).Error("alert notification failed")
			}
			raised = append(raised, a)
		}
	}
	return raised, nil
}

// claimFire reports whether key may fire now and records the firing.
func (e *Evaluator) claimFire(key string, now time.Time, suppress time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastFired[key]; ok && suppress > 0 && now.Sub(last) < suppress {
		return false
	}
	e.lastFired[key] = now
	return true
}

func groupCounts(rule Rule, counts []store.OutcomeCount) []*group {
	groups := map[string]*group{}
	var order []string
	for _, c := range counts {
		if rule.TenantID != "" && c.TenantID != rule.TenantID {
			continue
		}
		key := c.TenantID
		if rule.Scope == ScopeEndpoint {
			key = c.TenantID + "/" + c.EndpointID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, tenantID: c.TenantID}
			if rule.Scope == ScopeEndpoint {
				g.endpointID = c.EndpointID
			}
			groups[key] = g
			order = append(order, key)
		}
		g.successes += c.Successes
		g.failures += c.Failures
		if c.Failures > 0 {
			g.endpoints = append(g.endpoints, c.EndpointID)
		}
	}
	sort.Strings(order)
	out := make([]*group, 0, len(order))
	for _, k := range order {
		sort.Strings(groups[k].endpoints)
		out = append(out, groups[k])
	}
	return out
}

// Run calls Tick every interval until ctx is done, for deployments without
// an external scheduler.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.logger.Plain().WithField("interval", interval.String()).Info("alert evaluator started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.Plain().WithError(err).Error("alert tick failed")
			}
		}
	}
}

// Notifier delivers raised alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier emits alerts as structured logs and counts them.
type LogNotifier struct {
	Logger *logging.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) error {
	metrics.RecordAlert(a.Rule, string(a.Scope))
	entry := n.Logger.WithContext(ctx).WithTenant(a.TenantID).WithFields(map[string]any{
		"rule":      a.Rule,
		"scope":     a.Scope,
		"failures":  a.Failures,
		"successes": a.Successes,
		"window":    a.Window.String(),
		"endpoints": a.Endpoints,
		"mitigated": a.Mitigated,
	})
	if a.EndpointID != "" {
		entry = entry.WithEndpoint(a.EndpointID)
	}
	entry.Warn("delivery failure alert raised")
	return nil
}
