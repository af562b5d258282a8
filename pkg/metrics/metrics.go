package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "brickdex"

// Metrics contains metrics exposed by the exchange.
type Metrics struct {
	// Orders accepted into the store, by side.
	OrdersAccepted *prometheus.CounterVec
	// Orders rejected at submission, by error class.
	OrdersRejected *prometheus.CounterVec
	// Orders cancelled by their maker.
	OrdersCancelled prometheus.Counter
	// Trades by status transition (pending, confirmed, failed). partial counts
	// failures after the share leg was mined.
	Trades *prometheus.CounterVec
	// Duration of one matching pass over a property token.
	MatchDuration prometheus.Histogram
	// Matching passes aborted, by reason.
	MatchAborts *prometheus.CounterVec
	// Time from trade creation to a definitive settlement outcome.
	SettleLatency prometheus.Histogram
	// Trades waiting in the settlement queue.
	SettleQueue prometheus.Gauge

	registry *prometheus.Registry
}

func newMetrics() *Metrics {
	return &Metrics{
		OrdersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "orders",
			Name:      "accepted_total",
			Help:      "Number of orders accepted.",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Number of order submissions rejected.",
		}, []string{"reason"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "orders",
			Name:      "cancelled_total",
			Help:      "Number of orders cancelled by their maker.",
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "trades",
			Name:      "total",
			Help:      "Number of trades by status.",
		}, []string{"status"}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "matching",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a matching pass for one property token.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		MatchAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "matching",
			Name:      "aborted_total",
			Help:      "Number of matching passes aborted.",
		}, []string{"reason"}),
		SettleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "latency_seconds",
			Help:      "Time from trade creation to a settled outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		SettleQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "settlement",
			Name:      "queue_length",
			Help:      "Trades waiting for a settlement worker.",
		}),
	}
}

// PrometheusMetrics returns Metrics registered on a fresh registry.
func PrometheusMetrics() *Metrics {
	m := newMetrics()
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.OrdersAccepted, m.OrdersRejected, m.OrdersCancelled, m.Trades,
		m.MatchDuration, m.MatchAborts, m.SettleLatency, m.SettleQueue,
		collectors.NewGoCollector(),
	)
	return m
}

// NopMetrics returns Metrics that record but are never exported.
func NopMetrics() *Metrics {
	return newMetrics()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
