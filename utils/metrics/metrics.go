// Package metrics exposes Prometheus counters for the HTTP surface and the
// facade error taxonomy.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry so tests can build as
// many instances as they like.
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	LatencyHistogram *prometheus.HistogramVec
	FacadeErrors     *prometheus.CounterVec
	registry         *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stevedore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		LatencyHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stevedore_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		FacadeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stevedore_facade_errors_total",
				Help: "Failed facade operations by error kind",
			},
			[]string{"kind"},
		),
		registry: registry,
	}

	registry.MustRegister(m.RequestCounter, m.LatencyHistogram, m.FacadeErrors)
	return m
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, seconds float64) {
	m.RequestCounter.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.LatencyHistogram.WithLabelValues(method, route).Observe(seconds)
}

// IncrementError counts a failed facade call.
func (m *Metrics) IncrementError(kind string) {
	m.FacadeErrors.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
