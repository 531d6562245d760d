package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_dispatched_total",
			Help: "Total number of domain events accepted for fan-out.",
		},
		[]string{"event_type"},
	)

	DispatchDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_dispatch_dropped_total",
			Help: "Events dropped because the dispatch intake was full.",
		},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_delivery_attempts_total",
			Help: "Finalized delivery attempts by status and failure reason.",
		},
		[]string{"status", "reason"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "Outbound webhook round trip latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // http_5xx, http_429, timeout, circuit_open, ...
	)

	AbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_abandoned_total",
			Help: "Delivery chains finalized as ABANDONED.",
		},
		[]string{"reason"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_dead_letters_published_total",
			Help: "Abandoned chains published to the dead letter topic.",
		},
	)

	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"from", "to", "cause"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_circuit_state",
			Help: "Current breaker state per endpoint (0 closed, 1 half-open, 2 open).",
		},
		[]string{"endpoint_id"},
	)

	InboundCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_inbound_commands_total",
			Help: "Inbound command outcomes.",
		},
		[]string{"outcome", "replayed"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)

	AlertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_alerts_raised_total",
			Help: "Failure-rate alerts raised by rule.",
		},
		[]string{"rule", "scope"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_worker_queue_depth",
			Help: "Tasks waiting in the worker pool, including delayed retries.",
		},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_worker_in_flight",
			Help: "Tasks currently being delivered.",
		},
	)

	PurgedAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_purged_attempts_total",
			Help: "Delivery attempts removed by retention cleanup.",
		},
	)
)

// MustRegister registers every relay collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsDispatchedTotal, DispatchDroppedTotal,
		AttemptsTotal, DeliveryLatency, RetriesTotal, AbandonedTotal, DeadLettersTotal,
		CircuitTransitionsTotal, CircuitState,
		InboundCommandsTotal, RateLimitedTotal, AlertsRaisedTotal,
		QueueDepth, InFlight, PurgedAttemptsTotal,
	)
}

func RecordDispatch(eventType string) {
	EventsDispatchedTotal.WithLabelValues(eventType).Inc()
}

func RecordDispatchDropped() {
	DispatchDroppedTotal.Inc()
}

// RecordAttempt counts a finalized attempt. latency is zero for attempts that never reached the network.
func RecordAttempt(status, reason string, latency time.Duration) {
	if reason == "" {
		reason = "none"
	}
	AttemptsTotal.WithLabelValues(status, reason).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordAbandon(reason string) {
	AbandonedTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

// RecordCircuitTransition counts the transition and updates the per-endpoint gauge.
func RecordCircuitTransition(endpointID, from, to, cause string) {
	CircuitTransitionsTotal.WithLabelValues(from, to, cause).Inc()
	CircuitState.WithLabelValues(endpointID).Set(circuitValue(to))
}

func circuitValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}

func RecordInbound(outcome string, replayed bool) {
	r := "false"
	if replayed {
		r = "true"
	}
	InboundCommandsTotal.WithLabelValues(outcome, r).Inc()
}

func RecordRateLimited(scope string) {
	RateLimitedTotal.WithLabelValues(scope).Inc()
}

func RecordAlert(rule, scope string) {
	AlertsRaisedTotal.WithLabelValues(rule, scope).Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func SetInFlight(n int) {
	InFlight.Set(float64(n))
}

func RecordPurge(n int64) {
	PurgedAttemptsTotal.Add(float64(n))
}
