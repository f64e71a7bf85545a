package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/corestream/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Metrics are registered lazily on first use so a collector can be
// constructed before its registerer is finalized.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	pendingPublish    prometheus.Gauge
	publishStalls     prometheus.Counter
	stallWaitSeconds  prometheus.Histogram
	ackLatencySeconds prometheus.Histogram
	subsCreated       *prometheus.CounterVec
	subsBound         *prometheus.CounterVec
	missedHeartbeats  prometheus.Counter
	seqMismatches     prometheus.Counter
	fetchBatchSize    prometheus.Histogram
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "corestream" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "corestream"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.pendingPublish = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "publish_async",
			Name:      "pending_count",
			Help:      "Current size of the async publish pending map.",
		})
		p.publishStalls = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "publish_async",
			Name:      "stalls_total",
			Help:      "Total publish_async calls that had to wait for max_pending to drain.",
		})
		p.stallWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "publish_async",
			Name:      "stall_wait_seconds",
			Help:      "Observed stall wait durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1, 2},
		})
		p.ackLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "publish_async",
			Name:      "ack_latency_seconds",
			Help:      "Time between publish_async registration and ack arrival, in seconds.",
			Buckets:   prometheus.DefBuckets,
		})
		p.subsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscribe",
			Name:      "created_total",
			Help:      "Subscriptions that resulted in a new server-side consumer, by mode.",
		}, []string{"mode"})
		p.subsBound = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscribe",
			Name:      "bound_total",
			Help:      "Subscriptions that bound to an existing server-side consumer, by mode.",
		}, []string{"mode"})
		p.missedHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "supervisor",
			Name:      "missed_heartbeats_total",
			Help:      "Heartbeat timer firings with no intervening message.",
		})
		p.seqMismatches = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "supervisor",
			Name:      "sequence_mismatches_total",
			Help:      "Newly-latched consumer sequence mismatches.",
		})
		p.fetchBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "fetch",
			Name:      "batch_size",
			Help:      "Number of messages returned by a single Fetch call.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		})

		p.reg.MustRegister(
			p.pendingPublish, p.publishStalls, p.stallWaitSeconds, p.ackLatencySeconds,
			p.subsCreated, p.subsBound, p.missedHeartbeats, p.seqMismatches, p.fetchBatchSize,
		)
	})
}

func (p *PrometheusCollector) SetPendingPublishCount(count int) {
	p.ensureRegistered()
	p.pendingPublish.Set(float64(count))
}

func (p *PrometheusCollector) IncrementPublishStall() {
	p.ensureRegistered()
	p.publishStalls.Inc()
}

func (p *PrometheusCollector) RecordPublishStallWait(seconds float64) {
	p.ensureRegistered()
	p.stallWaitSeconds.Observe(seconds)
}

func (p *PrometheusCollector) RecordAckLatency(seconds float64) {
	p.ensureRegistered()
	p.ackLatencySeconds.Observe(seconds)
}

func (p *PrometheusCollector) IncrementSubscriptionCreated(pull bool) {
	p.ensureRegistered()
	p.subsCreated.WithLabelValues(modeLabel(pull)).Inc()
}

func (p *PrometheusCollector) IncrementSubscriptionBound(pull bool) {
	p.ensureRegistered()
	p.subsBound.WithLabelValues(modeLabel(pull)).Inc()
}

func (p *PrometheusCollector) IncrementMissedHeartbeat() {
	p.ensureRegistered()
	p.missedHeartbeats.Inc()
}

func (p *PrometheusCollector) IncrementSequenceMismatch() {
	p.ensureRegistered()
	p.seqMismatches.Inc()
}

func (p *PrometheusCollector) RecordFetchBatchSize(count int) {
	p.ensureRegistered()
	p.fetchBatchSize.Observe(float64(count))
}

func modeLabel(pull bool) string {
	if pull {
		return "pull"
	}

	return "push"
}
