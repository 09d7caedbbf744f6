// Package metrics exposes broker runtime observability data via Prometheus,
// following nova's registry-plus-package-level-functions pattern
// (internal/metrics/prometheus.go in the teacher repo).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BrokerMetrics wraps the prometheus collectors for nanomq.
type BrokerMetrics struct {
	registry *prometheus.Registry

	queueDepth        *prometheus.GaugeVec
	queueSubscribers  *prometheus.GaugeVec
	inflightPerQueue  *prometheus.GaugeVec
	enqueuedTotal     *prometheus.CounterVec
	deliveredTotal    *prometheus.CounterVec
	expiredTotal      *prometheus.CounterVec
	queryRepliesTotal prometheus.Counter
	repliesDroppedTotal prometheus.Counter

	acksOutstanding       prometheus.Gauge
	presumedDeadCommands  prometheus.Counter
	sessionsActive        prometheus.Gauge
	protocolErrorsTotal   *prometheus.CounterVec
	dispatchLatencySeconds prometheus.Histogram
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

var brokerMetrics *BrokerMetrics

// Init initializes the Prometheus metrics subsystem for the broker.
func Init(namespace string) *BrokerMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &BrokerMetrics{
		registry: registry,

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Current number of items waiting in a queue.",
		}, []string{"queue"}),

		queueSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_subscribers", Help: "Current number of subscribers on a queue.",
		}, []string{"queue"}),

		inflightPerQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_inflight", Help: "Messages dispatched but not yet acked, per queue.",
		}, []string{"queue"}),

		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enqueued_total", Help: "Total messages enqueued.",
		}, []string{"queue"}),

		deliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivered_total", Help: "Total ProcessMessage deliveries sent to subscribers.",
		}, []string{"queue"}),

		expiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "expired_total", Help: "Total items removed from a queue due to expiry.",
		}, []string{"queue"}),

		queryRepliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_replies_total", Help: "Total replies routed back to a query originator.",
		}),

		repliesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replies_dropped_total", Help: "Total replies dropped (no matching in-flight query).",
		}),

		acksOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "acks_outstanding", Help: "Current number of unresolved ack slots.",
		}),

		presumedDeadCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "presumed_dead_commands_total", Help: "Total ack slots reaped after timeout.",
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Current number of live peer sessions.",
		}),

		protocolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total", Help: "Total session-ending protocol errors, by kind.",
		}, []string{"kind"}),

		dispatchLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time from enqueue to first ProcessMessage write.",
			Buckets: defaultBuckets,
		}),
	}

	registry.MustRegister(
		m.queueDepth, m.queueSubscribers, m.inflightPerQueue,
		m.enqueuedTotal, m.deliveredTotal, m.expiredTotal,
		m.queryRepliesTotal, m.repliesDroppedTotal,
		m.acksOutstanding, m.presumedDeadCommands, m.sessionsActive,
		m.protocolErrorsTotal, m.dispatchLatencySeconds,
	)

	brokerMetrics = m
	return m
}

// Default returns the process-wide metrics instance, initializing one
// under the "nanomq" namespace on first use so callers never need a nil
// check.
func Default() *BrokerMetrics {
	if brokerMetrics == nil {
		return Init("nanomq")
	}
	return brokerMetrics
}

func (m *BrokerMetrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *BrokerMetrics) SetQueueSubscribers(queue string, n int) {
	m.queueSubscribers.WithLabelValues(queue).Set(float64(n))
}

func (m *BrokerMetrics) SetInflight(queue string, n int) {
	m.inflightPerQueue.WithLabelValues(queue).Set(float64(n))
}

func (m *BrokerMetrics) IncEnqueued(queue string) {
	m.enqueuedTotal.WithLabelValues(queue).Inc()
}

func (m *BrokerMetrics) IncDelivered(queue string) {
	m.deliveredTotal.WithLabelValues(queue).Inc()
}

func (m *BrokerMetrics) IncExpired(queue string) {
	m.expiredTotal.WithLabelValues(queue).Inc()
}

func (m *BrokerMetrics) IncQueryReply() {
	m.queryRepliesTotal.Inc()
}

func (m *BrokerMetrics) IncReplyDropped() {
	m.repliesDroppedTotal.Inc()
}

func (m *BrokerMetrics) SetAcksOutstanding(n int) {
	m.acksOutstanding.Set(float64(n))
}

func (m *BrokerMetrics) IncPresumedDead() {
	m.presumedDeadCommands.Inc()
}

func (m *BrokerMetrics) SetSessionsActive(n int) {
	m.sessionsActive.Set(float64(n))
}

func (m *BrokerMetrics) IncProtocolError(kind string) {
	m.protocolErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *BrokerMetrics) ObserveDispatchLatency(seconds float64) {
	m.dispatchLatencySeconds.Observe(seconds)
}

// Handler returns an HTTP handler for Prometheus metrics scraping.
func (m *BrokerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, e.g. for custom collectors in tests.
func (m *BrokerMetrics) Registry() *prometheus.Registry {
	return m.registry
}
