// Package metrics exposes the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditmeter"

// Decision outcomes.
const (
	OutcomeAllowed   = "allowed"
	OutcomeDenied    = "denied"
	OutcomeUnmetered = "unmetered"
	OutcomeError     = "error"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	credits       *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	alerts        *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Rate limit decisions by action and outcome.",
		}, []string{"action", "outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_committed_total",
			Help:      "Credits appended to the ledger by action.",
		}, []string{"action"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		alerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_last_scan",
			Help:      "Alerts found by the most recent scan by kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.credits,
		m.ledgerLatency,
		m.alerts,
		m.httpRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one limiter decision.
func (m *Metrics) ObserveDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, outcome).Inc()
}

// AddCredits counts credits written to the ledger.
func (m *Metrics) AddCredits(action string, credits int) {
	if m == nil || credits <= 0 {
		return
	}
	m.credits.WithLabelValues(action).Add(float64(credits))
}

// ObserveLedger records the latency of one ledger call started at started.
func (m *Metrics) ObserveLedger(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerLatency.WithLabelValues(op, result).Observe(time.Since(started).Seconds())
}

// SetAlerts records the number of alerts of kind found by the last scan.
func (m *Metrics) SetAlerts(kind string, count int) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Set(float64(count))
}

// ObserveHTTP counts one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
