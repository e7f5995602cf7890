// Package metrics exposes the gateway's Prometheus collectors. All methods
// are safe to call on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camgate"

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	upstreamAttempts *prometheus.CounterVec
	upstreamUp       *prometheus.GaugeVec
	introspection    *prometheus.CounterVec
}

// New creates and registers the gateway collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route and status code.",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to complete a request, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream call attempts, by upstream and outcome.",
		}, []string{"upstream", "outcome"}),
		upstreamUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_up",
			Help:      "1 when the health checker considers the upstream healthy.",
		}, []string{"upstream"}),
		introspection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspection_total",
			Help:      "Token introspection lookups, by result (hit, miss, error).",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.upstreamAttempts,
		m.upstreamUp,
		m.introspection,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) UpstreamAttempt(upstream, outcome string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(upstream, outcome).Inc()
}

func (m *Metrics) SetUpstreamUp(upstream string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.upstreamUp.WithLabelValues(upstream).Set(v)
}

// DeleteUpstream drops the series of an upstream removed by a reload.
func (m *Metrics) DeleteUpstream(upstream string) {
	if m == nil {
		return
	}
	m.upstreamUp.DeleteLabelValues(upstream)
}

func (m *Metrics) Introspection(result string) {
	if m == nil {
		return
	}
	m.introspection.WithLabelValues(result).Inc()
}
