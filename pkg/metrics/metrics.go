// Package metrics exposes Prometheus collectors for the settlement engine and the HTTP gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "poold"

type Metrics struct {
	QueueDepth     prometheus.Gauge
	Cycles         *prometheus.CounterVec
	Settlements    *prometheus.CounterVec
	LedgerErrors   *prometheus.CounterVec
	StaleResyncs   prometheus.Counter
	ConfirmSeconds prometheus.Histogram
	Orders         *prometheus.GaugeVec
	EventsDropped  *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "engine_queue_depth",
			Help: "Requests waiting in the settlement engine queue.",
		}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_cycles_total",
			Help: "Settlement passes by trigger.",
		}, []string{"trigger"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_total",
			Help: "Settlement outcomes by kind and status.",
		}, []string{"kind", "status"}),
		LedgerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_errors_total",
			Help: "Ledger client errors by operation.",
		}, []string{"op"}),
		StaleResyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_resyncs_total",
			Help: "Forced resyncs after a stale state error.",
		}),
		ConfirmSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "confirmation_wait_seconds",
			Help:    "Time spent waiting for transaction confirmation.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		Orders: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "limit_orders",
			Help: "Limit orders by status.",
		}, []string{"status"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Settlement events dropped because the delivery queue was full, by sink.",
		}, []string{"sink"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Gateway requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Gateway request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument counts and times requests served by next under the route label.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
