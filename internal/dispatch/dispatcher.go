// Package dispatch turns domain events into delivery chains: it resolves the
// tenant's subscribed endpoints, opens one attempt chain per endpoint, and
// hands the first attempt to the worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const DefaultIntakeBuffer = 1024

// Submitter accepts tasks for delivery; *worker.Pool implements it.
type Submitter interface {
	Submit(t delivery.Task) error
}

type Deps struct {
	Attempts  store.AttemptLog
	Endpoints store.EndpointRepository
	Breakers  *circuit.Registry
	Pool      Submitter
	Logger    *logging.Logger
	Now       func() time.Time
}

type intakeItem struct {
	event delivery.Event
	trace map[string]string
}

type Dispatcher struct {
	attempts  store.AttemptLog
	endpoints store.EndpointRepository
	breakers  *circuit.Registry
	pool      Submitter
	logger    *logging.Logger
	now       func() time.Time
	intake    chan intakeItem
}

func New(intakeBuffer int, deps Deps) *Dispatcher {
	if intakeBuffer <= 0 {
		intakeBuffer = DefaultIntakeBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("dispatch")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		attempts:  deps.Attempts,
		endpoints: deps.Endpoints,
		breakers:  deps.Breakers,
		pool:      deps.Pool,
		logger:    logger,
		now:       now,
		intake:    make(chan intakeItem, intakeBuffer),
	}
}

// Dispatch raises a domain event. It never blocks, never returns an error
// and never panics into the caller; a full intake drops the event.
func (d *Dispatcher) Dispatch(tenantID, eventType string, payload map[string]any) {
	d.DispatchEvent(context.Background(), delivery.NewEvent(tenantID, eventType, payload))
}

// DispatchEvent is Dispatch for callers that own the event id. ctx only
// carries the trace context.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev delivery.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Plain().WithField("panic", fmt.Sprint(r)).Error("dispatch panicked")
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now().UTC()
	}
	if ev.PayloadVersion == 0 {
		ev.PayloadVersion = 1
	}

	select {
	case d.intake <- intakeItem{event: ev, trace: tracing.InjectMap(ctx)}:
	default:
		metrics.RecordDispatchDropped()
		d.logger.WithContext(ctx).
			WithTenant(ev.TenantID).
			WithEvent(ev.ID).
			WithField("event_type", ev.Type).
			Error("dispatch intake full, event dropped")
	}
}

// Run consumes the intake until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Plain().WithField("intake_buffer", cap(d.intake)).Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Plain().WithField("pending", len(d.intake)).Info("dispatcher stopped")
			return nil
		case item := <-d.intake:
			d.handle(ctx, item)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, item intakeItem) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Plain().
				WithEvent(item.event.ID).
				WithField("panic", fmt.Sprint(r)).
				Error("fan-out panicked, event skipped")
		}
	}()
	ctx = tracing.ExtractMap(ctx, item.trace)
	if _, err := d.FanOut(ctx, item.event); err != nil {
		d.logger.WithContext(ctx).
			WithTenant(item.event.TenantID).
			WithEvent(item.event.ID).
			WithError(err).
			Error("fan-out failed")
	}
}

// FanOut snapshots ev and opens one chain per subscribed, enabled endpoint.
// It returns the number of chains opened.
func (d *Dispatcher) FanOut(ctx context.Context, ev delivery.Event) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.fanout",
		attribute.String("event_id", ev.ID),
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("event_type", ev.Type),
	)
	defer span.End()

	if err := d.attempts.RecordEvent(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("record event: %w", err)
	}
	tracing.AddSpanEvent(ctx, "db.record_event")

	endpoints, err := d.endpoints.ListSubscribed(ctx, ev.TenantID, ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("list subscribed endpoints: %w", err)
	}
	metrics.RecordDispatch(ev.Type)

	opened := 0
	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		if _, err := d.openChain(ctx, ev, ep, delivery.TriggerDispatch, ""); err != nil {
			d.logger.WithContext(ctx).
				WithTenant(ev.TenantID).
				WithEvent(ev.ID).
				WithEndpoint(ep.ID).
				WithError(err).
				Error("open delivery chain failed")
			continue
		}
		opened++
	}
	span.SetAttributes(attribute.Int("chains", opened))

	d.logger.WithContext(ctx).
		WithTenant(ev.TenantID).
		WithEvent(ev.ID).
		WithFields(map[string]any{
			"event_type": ev.Type,
			"endpoints":  len(endpoints),
			"chains":     opened,
		}).
		Info("event fanned out")
	return opened, nil
}

// Replay re-delivers the event of an existing attempt on a brand new chain.
// The source chain is left untouched.
func (d *Dispatcher) Replay(ctx context.Context, deliveryID string) (*delivery.Attempt, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.replay", attribute.String("delivery_id", deliveryID))
	defer span.End()

	src, err := d.attempts.Get(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	ev, err := d.attempts.GetEvent(ctx, src.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", src.EventID, err)
	}
	ep, err := d.endpoints.Get(ctx, src.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("load endpoint %s: %w", src.EndpointID, err)
	}
	if !ep.Enabled {
		return nil, delivery.NewEndpointDisabled()
	}

	a, err := d.openChain(ctx, ev, ep, delivery.TriggerReplay, src.ID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	d.logger.WithContext(ctx).
		WithTenant(ev.TenantID).
		WithEndpoint(ep.ID).
		WithDelivery(a.ID).
		WithField("replay_of", src.ID).
		Info("delivery replayed")
	return a, nil
}

// openChain records attempt 1 of a new chain and submits it. When the
// endpoint's circuit is open, attempt 1 is recorded as a fast failure and
// attempt 2 is parked until the breaker's ready time.
func (d *Dispatcher) openChain(ctx context.Context, ev delivery.Event, ep delivery.Endpoint, trigger delivery.Trigger, replayOf string) (*delivery.Attempt, error) {
	now := d.now()
	chainID := uuid.NewString()

	a := delivery.NewAttempt(chainID, ev, ep.ID, 1, trigger, now)
	a.ReplayOf = replayOf
	if err := d.attempts.Record(ctx, a); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	task := delivery.Task{
		ChainID:      chainID,
		AttemptID:    a.ID,
		EndpointID:   ep.ID,
		Event:        ev,
		Attempt:      1,
		Trigger:      trigger,
		ReplayOf:     replayOf,
		TraceHeaders: tracing.InjectMap(ctx),
	}

	snap := d.breakers.Ensure(ep).Snapshot()
	if snap.CircuitState == delivery.CircuitOpen && snap.RetryAt != nil && snap.RetryAt.After(now) {
		retryAt := *snap.RetryAt
		cause := delivery.NewCircuitOpen(retryAt)
		a.Finalize(delivery.StatusFailed, 0, 0, string(delivery.KindCircuitOpen), cause.Error(), &retryAt, now)
		if err := d.attempts.Finalize(ctx, a); err != nil {
			return nil, fmt.Errorf("finalize fast-failed attempt: %w", err)
		}
		metrics.RecordAttempt(string(delivery.StatusFailed), string(delivery.KindCircuitOpen), 0)
		metrics.RecordRetry(string(delivery.KindCircuitOpen))

		next := task.Next(retryAt)
		next.CircuitDeferrals = 1
		task = next
		tracing.AddSpanEvent(ctx, "delivery.circuit_open", attribute.String("endpoint_id", ep.ID))
	}

	if err := d.pool.Submit(task); err != nil {
		// the attempt row stays resumable; Recover picks it up on restart
		d.logger.WithContext(ctx).WithEndpoint(ep.ID).WithDelivery(a.ID).WithError(err).Warn("submit delivery task failed")
	}
	return a, nil
}

// Recover resubmits every chain whose latest attempt is not terminal, so
// queued and delayed work survives a restart.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	latest, err := d.attempts.Resumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("load resumable chains: %w", err)
	}

	resumed := 0
	for _, a := range latest {
		task, err := d.resumeTask(ctx, a)
		if err != nil {
			d.logger.WithContext(ctx).
				WithDelivery(a.ID).
				WithEndpoint(a.EndpointID).
				WithError(err).
				Warn("chain not resumable")
			continue
		}
		if err := d.pool.Submit(task); err != nil {
			return resumed, fmt.Errorf("submit recovered task: %w", err)
		}
		resumed++
	}
	if resumed > 0 {
		d.logger.Plain().WithField("chains", resumed).Info("resumed delivery chains")
	}
	return resumed, nil
}

func (d *Dispatcher) resumeTask(ctx context.Context, latest delivery.Attempt) (delivery.Task, error) {
	ev, err := d.attempts.GetEvent(ctx, latest.EventID)
	if err != nil {
		return delivery.Task{}, fmt.Errorf("load event: %w", err)
	}
	chain, err := d.attempts.Chain(ctx, latest.ChainID)
	if err != nil {
		return delivery.Task{}, fmt.Errorf("load chain: %w", err)
	}

	task := delivery.Task{
		ChainID:    latest.ChainID,
		EndpointID: latest.EndpointID,
		Event:      ev,
		Attempt:    latest.AttemptNumber,
		Trigger:    delivery.TriggerRecovery,
		ReplayOf:   latest.ReplayOf,
	}
	task.NetworkAttempts, task.ClientRejections, task.CircuitDeferrals = chainCounters(chain)

	switch latest.Status {
	case delivery.StatusPending:
		task.AttemptID = latest.ID
	case delivery.StatusFailed:
		notBefore := d.now()
		if latest.ScheduledRetryAt != nil {
			notBefore = *latest.ScheduledRetryAt
		}
		task = task.Next(notBefore)
		task.Trigger = delivery.TriggerRecovery
	default:
		return delivery.Task{}, errors.New("chain is terminal")
	}
	return task, nil
}

// chainCounters rebuilds the retry budgets consumed by the finalized attempts of a chain.
func chainCounters(chain []delivery.Attempt) (network, rejections, deferrals int) {
	for _, a := range chain {
		if a.Status == delivery.StatusPending {
			continue
		}
		switch a.Reason {
		case string(delivery.KindCircuitOpen):
			deferrals++
			continue
		case string(delivery.KindEndpointDisabled):
			continue
		}
		network++
		if a.HTTPStatus != nil {
			s := *a.HTTPStatus
			if s >= 400 && s < 500 && s != 408 && s != 429 {
				rejections++
			}
		}
	}
	return network, rejections, deferrals
}
