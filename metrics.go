package skew

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "skew"

// Drop reasons recorded on skew_telemetry_events_dropped_total.
const (
	dropDisabled = "disabled"
	dropPaused   = "paused"
	dropSampled  = "sampled"
	dropClosed   = "closed"
	dropDelivery = "delivery_failed"
)

// Metrics tracks the telemetry pipeline and the calls it observes.
//
// Metrics:
//   - skew_telemetry_events_submitted_total: events admitted to the buffer
//   - skew_telemetry_events_dropped_total: events discarded, by reason
//   - skew_telemetry_batches_total: delivery attempts, by result
//   - skew_telemetry_batch_size: events per delivery attempt
//   - skew_calls_total: intercepted calls, by endpoint and status
//   - skew_call_latency_seconds: latency of intercepted calls
//   - skew_call_cost_usd_total: estimated cost, by model
//   - skew_call_tokens_total: tokens, by model and type
type Metrics struct {
	submitted   prometheus.Counter
	dropped     *prometheus.CounterVec
	batches     *prometheus.CounterVec
	batchSize   prometheus.Histogram
	calls       *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	cost        *prometheus.CounterVec
	tokens      *prometheus.CounterVec
}

// NewMetrics creates the pipeline metrics and registers them with reg.
// A nil reg leaves them unregistered. Collectors already registered by
// another wrapper on the same registry are shared.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "telemetry",
			Name:      "events_submitted_total",
			Help:      "Telemetry events admitted to the buffer",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "telemetry",
			Name:      "events_dropped_total",
			Help:      "Telemetry events discarded before delivery",
		}, []string{"reason"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "telemetry",
			Name:      "batches_total",
			Help:      "Telemetry delivery attempts",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "telemetry",
			Name:      "batch_size",
			Help:      "Events per delivery attempt",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Intercepted client calls",
		}, []string{"endpoint", "status"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_latency_seconds",
			Help:      "Latency of intercepted client calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "call_cost_usd_total",
			Help:      "Estimated cost of intercepted calls in USD",
		}, []string{"model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "call_tokens_total",
			Help:      "Tokens used by intercepted calls",
		}, []string{"model", "type"}),
	}

	if reg == nil {
		return m
	}
	m.submitted = register(reg, m.submitted)
	m.dropped = register(reg, m.dropped)
	m.batches = register(reg, m.batches)
	m.batchSize = register(reg, m.batchSize)
	m.calls = register(reg, m.calls)
	m.callLatency = register(reg, m.callLatency)
	m.cost = register(reg, m.cost)
	m.tokens = register(reg, m.tokens)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observeEvent(ev TelemetryEvent) {
	status := "success"
	if ev.Failed() {
		status = "error"
	}
	m.calls.WithLabelValues(ev.Request.Endpoint, status).Inc()
	m.callLatency.WithLabelValues(ev.Request.Endpoint).Observe(ev.Response.LatencyMs / 1000)

	usage := ev.Response.TokenUsage
	if usage.PromptTokens > 0 {
		m.tokens.WithLabelValues(ev.Request.Model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.tokens.WithLabelValues(ev.Request.Model, "completion").Add(float64(usage.CompletionTokens))
	}
	if ev.Response.CostEstimate > 0 {
		m.cost.WithLabelValues(ev.Request.Model).Add(ev.Response.CostEstimate)
	}
}
