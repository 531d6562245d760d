package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	EventIDHeader    = "X-HarborRelay-Event-Id"
	DeliveryIDHeader = "X-HarborRelay-Delivery-Id"
	AttemptHeader    = "X-HarborRelay-Attempt"

	userAgent       = "HarborRelay/1.0"
	maxResponseRead = 64 << 10
)

// Abandon reasons carried on dead letters.
const (
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonClientRejected    = "client_rejected"
	ReasonCircuitDeferrals  = "circuit_deferrals_exhausted"
	ReasonEndpointDisabled  = "endpoint_disabled"
	ReasonSecretUnavailable = "secret_unavailable"
	ReasonInvalidPayload    = "invalid_payload"
)

type outcome struct {
	status  int
	latency time.Duration
	err     *delivery.Error
	reason  string // coarse code for metrics
}

// process runs one task to a finalized attempt.
func (p *Pool) process(ctx context.Context, t delivery.Task) {
	ctx = tracing.ExtractMap(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.deliver",
		attribute.String("chain_id", t.ChainID),
		attribute.String("endpoint_id", t.EndpointID),
		attribute.String("event_id", t.Event.ID),
		attribute.String("tenant_id", t.Event.TenantID),
		attribute.Int("attempt", t.Attempt),
		attribute.String("trigger", string(t.Trigger)),
	)
	defer span.End()

	tracing.AddSpanEvent(ctx, "db.load_endpoint")
	ep, err := p.endpoints.Get(ctx, t.EndpointID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.abandon(ctx, t, ReasonEndpointDisabled, "endpoint not found")
		return
	case err != nil:
		p.storeUnavailable(ctx, t, "load endpoint", err)
		return
	case !ep.Enabled:
		p.abandon(ctx, t, ReasonEndpointDisabled, "endpoint disabled")
		return
	}

	p.breakers.Ensure(ep)
	permit, err := p.breakers.Allow(ctx, ep.ID)
	if err != nil {
		p.deferForCircuit(ctx, t, err)
		return
	}

	secret, err := p.secrets.Open(ep.SecretCiphertext)
	if err != nil {
		p.release(permit, ep.ID)
		tracing.SetSpanError(ctx, err)
		p.abandon(ctx, t, ReasonSecretUnavailable, err.Error())
		return
	}
	body, err := signing.Canonicalize(t.Event.Envelope())
	if err != nil {
		p.release(permit, ep.ID)
		tracing.SetSpanError(ctx, err)
		p.abandon(ctx, t, ReasonInvalidPayload, err.Error())
		return
	}
	tracing.AddSpanEvent(ctx, "http.sign_request")
	sig, ts := p.signer.Headers(secret, body)

	a, err := p.openAttempt(ctx, t, sig)
	if err != nil {
		p.release(permit, ep.ID)
		p.attemptUnavailable(ctx, t, err)
		return
	}

	out := p.send(ctx, ep, t, a, body, sig, ts)
	span.SetAttributes(
		attribute.Int("http.status_code", out.status),
		attribute.Int64("http.latency_ms", out.latency.Milliseconds()),
	)
	p.breakers.Record(ctx, ep.ID, out.err == nil)
	p.settle(ctx, t, a, out)
}

func (p *Pool) send(ctx context.Context, ep delivery.Endpoint, t delivery.Task, a *delivery.Attempt, body []byte, sig, ts string) outcome {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return outcome{err: delivery.NewTransient("invalid_request", err), reason: "other"}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(signing.SignatureHeader, sig)
	req.Header.Set(signing.TimestampHeader, ts)
	req.Header.Set(EventIDHeader, t.Event.ID)
	req.Header.Set(DeliveryIDHeader, a.ID)
	req.Header.Set(AttemptHeader, strconv.Itoa(a.AttemptNumber))
	tracing.InjectHTTP(reqCtx, req.Header)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, doErr := p.client.Do(req)
	latency := time.Since(start)

	status := 0
	var header http.Header
	if doErr == nil {
		status = resp.StatusCode
		header = resp.Header
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseRead))
		_ = resp.Body.Close()
	} else {
		tracing.SetSpanError(ctx, doErr)
	}
	return outcome{
		status:  status,
		latency: latency,
		err:     classify(doErr, status, header, p.now()),
		reason:  classifyReason(doErr, status),
	}
}

// settle finalizes the attempt and either schedules the next one or ends the chain.
func (p *Pool) settle(ctx context.Context, t delivery.Task, a *delivery.Attempt, out outcome) {
	now := p.now()
	log := p.logger.WithContext(ctx).
		WithTenant(t.Event.TenantID).
		WithEndpoint(t.EndpointID).
		WithEvent(t.Event.ID).
		WithDelivery(a.ID)

	if out.err == nil {
		a.Finalize(delivery.StatusSuccess, out.status, out.latency, "", "", nil, now)
		p.finalize(ctx, a)
		metrics.RecordAttempt(string(delivery.StatusSuccess), "", out.latency)
		tracing.AddSpanEvent(ctx, "delivery.success")
		log.WithFields(map[string]any{
			"attempt":     a.AttemptNumber,
			"http_status": out.status,
			"latency_ms":  out.latency.Milliseconds(),
		}).Info("delivery succeeded")
		return
	}

	e := out.err
	sent := t.NetworkAttempts + 1
	next := t.Next(time.Time{})
	next.NetworkAttempts = sent

	var delay time.Duration
	terminal := ""
	switch {
	case e.Kind == delivery.KindClientRejected:
		// one more try, then the payload is treated as unacceptable
		next.ClientRejections = t.ClientRejections + 1
		if next.ClientRejections > 1 {
			terminal = ReasonClientRejected
		}
		delay = p.cfg.Retry.Backoff(sent)
	case !e.Retryable():
		terminal = e.Reason
	case e.Kind == delivery.KindThrottled:
		delay = p.cfg.Retry.throttleDelay(sent, e.RetryAfter)
	default:
		delay = p.cfg.Retry.Backoff(sent)
	}
	if terminal == "" && sent >= p.cfg.Retry.MaxAttempts {
		terminal = ReasonAttemptsExhausted
	}
	tracing.SetSpanError(ctx, e)

	if terminal != "" {
		a.Finalize(delivery.StatusAbandoned, e.StatusCode, out.latency, e.Reason, e.Error(), nil, now)
		p.finalize(ctx, a)
		metrics.RecordAttempt(string(delivery.StatusAbandoned), out.reason, out.latency)
		p.deadLetter(ctx, t, a, terminal)
		return
	}

	retryAt := now.Add(delay)
	a.Finalize(delivery.StatusFailed, e.StatusCode, out.latency, e.Reason, e.Error(), &retryAt, now)
	p.finalize(ctx, a)
	metrics.RecordAttempt(string(delivery.StatusFailed), out.reason, out.latency)
	metrics.RecordRetry(out.reason)

	next.NotBefore = retryAt
	p.queue.push(next)

	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("next_attempt", next.Attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
		attribute.String("reason", out.reason),
	)
	log.WithFields(map[string]any{
		"attempt":      a.AttemptNumber,
		"next_attempt": next.Attempt,
		"delay_ms":     delay.Milliseconds(),
		"reason":       e.Reason,
		"http_status":  out.status,
	}).Info("requeue delivery")
}

// deferForCircuit records a fast-failed attempt and parks the chain until
// the breaker's ready time. It does not consume the network attempt budget.
func (p *Pool) deferForCircuit(ctx context.Context, t delivery.Task, cause error) {
	now := p.now()
	retryAt := now.Add(p.cfg.Retry.BaseDelay)
	var de *delivery.Error
	if errors.As(cause, &de) && !de.RetryAt.IsZero() {
		retryAt = de.RetryAt
	}

	a, err := p.openAttempt(ctx, t, "")
	if err != nil {
		p.attemptUnavailable(ctx, t, err)
		return
	}

	deferrals := t.CircuitDeferrals + 1
	if deferrals > p.cfg.Retry.MaxCircuitDeferrals {
		a.Finalize(delivery.StatusAbandoned, 0, 0, string(delivery.KindCircuitOpen), cause.Error(), nil, now)
		p.finalize(ctx, a)
		metrics.RecordAttempt(string(delivery.StatusAbandoned), string(delivery.KindCircuitOpen), 0)
		p.deadLetter(ctx, t, a, ReasonCircuitDeferrals)
		return
	}

	a.Finalize(delivery.StatusFailed, 0, 0, string(delivery.KindCircuitOpen), cause.Error(), &retryAt, now)
	p.finalize(ctx, a)
	metrics.RecordAttempt(string(delivery.StatusFailed), string(delivery.KindCircuitOpen), 0)
	metrics.RecordRetry(string(delivery.KindCircuitOpen))

	next := t.Next(retryAt)
	next.CircuitDeferrals = deferrals
	p.queue.push(next)

	tracing.AddSpanEvent(ctx, "delivery.circuit_open", attribute.String("retry_at", retryAt.Format(time.RFC3339)))
	p.logger.WithContext(ctx).
		WithEndpoint(t.EndpointID).
		WithDelivery(a.ID).
		WithFields(map[string]any{
			"retry_at":  retryAt,
			"deferrals": deferrals,
		}).
		Debug("circuit open, delivery deferred")
}

// abandon ends a chain without a network call.
func (p *Pool) abandon(ctx context.Context, t delivery.Task, reason, summary string) {
	a, err := p.openAttempt(ctx, t, "")
	if err != nil {
		p.attemptUnavailable(ctx, t, err)
		return
	}
	a.Finalize(delivery.StatusAbandoned, 0, 0, reason, summary, nil, p.now())
	p.finalize(ctx, a)
	metrics.RecordAttempt(string(delivery.StatusAbandoned), reason, 0)
	p.deadLetter(ctx, t, a, reason)
}

func (p *Pool) deadLetter(ctx context.Context, t delivery.Task, a *delivery.Attempt, reason string) {
	metrics.RecordAbandon(reason)
	tracing.AddSpanEvent(ctx, "delivery.dlq", attribute.Int("attempt", a.AttemptNumber))

	log := p.logger.WithContext(ctx).
		WithTenant(t.Event.TenantID).
		WithEndpoint(t.EndpointID).
		WithEvent(t.Event.ID).
		WithDelivery(a.ID).
		WithFields(map[string]any{
			"chain_id": t.ChainID,
			"attempt":  a.AttemptNumber,
			"reason":   reason,
		})

	dl := delivery.NewDeadLetter(t, a, reason, p.now())
	if err := p.deadLetters.PublishDeadLetter(ctx, dl); err != nil {
		log.WithError(err).Error("publish dead letter failed")
	} else {
		metrics.RecordDeadLetter()
	}
	log.Warn("delivery abandoned")
}

// openAttempt returns the PENDING row for t, reusing the one the dispatcher
// pre-recorded when the task names it.
func (p *Pool) openAttempt(ctx context.Context, t delivery.Task, sig string) (*delivery.Attempt, error) {
	if t.AttemptID != "" {
		a, err := p.attempts.Get(ctx, t.AttemptID)
		if err != nil {
			return nil, err
		}
		if a.Status != delivery.StatusPending {
			return nil, store.ErrNotPending
		}
		a.Signature = sig
		return a, nil
	}
	trigger := t.Trigger
	if trigger == "" {
		trigger = delivery.TriggerRetry
	}
	a := delivery.NewAttempt(t.ChainID, t.Event, t.EndpointID, t.Attempt, trigger, p.now())
	a.ReplayOf = t.ReplayOf
	a.Signature = sig
	if err := p.attempts.Record(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *Pool) finalize(ctx context.Context, a *delivery.Attempt) {
	if err := p.attempts.Finalize(ctx, a); err != nil {
		p.logger.WithContext(ctx).WithDelivery(a.ID).WithError(err).Error("finalize attempt failed")
	}
}

// attemptUnavailable handles a failure to open the attempt row. A chain that
// already moved on is dropped; anything else is retried later.
func (p *Pool) attemptUnavailable(ctx context.Context, t delivery.Task, err error) {
	if errors.Is(err, store.ErrChainSequence) || errors.Is(err, store.ErrNotPending) || errors.Is(err, store.ErrNotFound) {
		p.logger.WithContext(ctx).
			WithEndpoint(t.EndpointID).
			WithField("chain_id", t.ChainID).
			WithField("attempt", t.Attempt).
			WithError(err).
			Warn("stale delivery task dropped")
		return
	}
	p.storeUnavailable(ctx, t, "record attempt", err)
}

// storeUnavailable parks the task for one base delay without touching its budgets.
func (p *Pool) storeUnavailable(ctx context.Context, t delivery.Task, op string, err error) {
	tracing.SetSpanError(ctx, err)
	p.logger.WithContext(ctx).
		WithEndpoint(t.EndpointID).
		WithField("chain_id", t.ChainID).
		WithError(err).
		Errorf("%s failed, task parked", op)
	t.NotBefore = p.now().Add(p.cfg.Retry.BaseDelay)
	p.queue.push(t)
}

func (p *Pool) release(permit circuit.Permit, endpointID string) {
	if permit.Probe {
		p.breakers.Release(endpointID)
	}
}
