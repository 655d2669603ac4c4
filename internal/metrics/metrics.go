// Package metrics exports pmx telemetry to Prometheus on a private registry.
//
// A nil *Metrics is valid and records nothing, so components can be built without one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pmx"

// Gate submission outcomes.
const (
	SubmitCached     = "cached"
	SubmitJoined     = "joined"
	SubmitDispatched = "dispatched"
)

// Metrics holds every collector pmx exports.
type Metrics struct {
	registry *prometheus.Registry

	gateSubmissions *prometheus.CounterVec
	gateInFlight    prometheus.Gauge
	gateCompleted   *prometheus.CounterVec
	gateReaped      prometheus.Counter
	gateReapErrors  prometheus.Counter

	planTransitions *prometheus.CounterVec
	itemsProcessed  *prometheus.CounterVec
	itemDuration    prometheus.Histogram

	composeDuration prometheus.Histogram
	composeChains   prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates a Metrics with its own registry, including the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gateSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "submissions_total",
			Help: "Gate submissions by outcome.",
		}, []string{"outcome"}),
		gateInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gate", Name: "in_flight",
			Help: "Dispatched gate requests without a result.",
		}),
		gateCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "completed_total",
			Help: "Gate results recorded, by outcome.",
		}, []string{"outcome"}),
		gateReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "reaped_total",
			Help: "Expired gate results removed by the reaper.",
		}),
		gateReapErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "reap_errors_total",
			Help: "Expired gate results the reaper failed to remove.",
		}),
		planTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "plan_transitions_total",
			Help: "Plan status transitions applied, by target status.",
		}, []string{"status"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "items_total",
			Help: "Migration items completed, by status.",
		}, []string{"status"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "item_duration_seconds",
			Help:    "Time spent processing one migration item.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		composeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "composer", Name: "duration_seconds",
			Help:    "Chain composition latency.",
			Buckets: prometheus.DefBuckets,
		}),
		composeChains: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "composer", Name: "chains",
			Help:    "Chains found per composition.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.gateSubmissions, m.gateInFlight, m.gateCompleted, m.gateReaped, m.gateReapErrors,
		m.planTransitions, m.itemsProcessed, m.itemDuration,
		m.composeDuration, m.composeChains,
		m.httpRequests, m.httpLatency,
	)
	return m
}

// Registry exposes the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) GateSubmitted(outcome string) {
	if m == nil {
		return
	}
	m.gateSubmissions.WithLabelValues(outcome).Inc()
	if outcome == SubmitDispatched {
		m.gateInFlight.Inc()
	}
}

// GateCompleted records a dispatched request reaching a result.
func (m *Metrics) GateCompleted(ok bool) {
	if m == nil {
		return
	}
	m.gateInFlight.Dec()
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.gateCompleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GateReaped(n int, failed int) {
	if m == nil {
		return
	}
	m.gateReaped.Add(float64(n))
	m.gateReapErrors.Add(float64(failed))
}

func (m *Metrics) PlanTransition(status string) {
	if m == nil {
		return
	}
	m.planTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ItemProcessed(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(status).Inc()
	m.itemDuration.Observe(d.Seconds())
}

func (m *Metrics) Composed(chains int, d time.Duration) {
	if m == nil {
		return
	}
	m.composeChains.Observe(float64(chains))
	m.composeDuration.Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(d.Seconds())
}
