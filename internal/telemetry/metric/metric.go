// Package metric provides Prometheus metrics for KeyMesh.
//
// It exposes metrics in Prometheus format for monitoring command rates,
// connection counts, keyspace size, and pub/sub delivery. Engine-level
// metrics are registered by the engine itself; this package owns the
// registry and the server-level series.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and all server-level metrics.
type Metrics struct {
	registry *prometheus.Registry

	// CommandsTotal counts commands by verb, including unknown verbs
	// under the "unknown" label.
	CommandsTotal *prometheus.CounterVec

	// CommandErrorsTotal counts commands that returned an error frame.
	CommandErrorsTotal *prometheus.CounterVec

	// ConnectionsOpen tracks currently open client connections.
	ConnectionsOpen prometheus.Gauge

	// ConnectionsTotal counts accepted client connections.
	ConnectionsTotal prometheus.Counter

	// RateLimitedTotal counts commands rejected by the per-IP limiter.
	RateLimitedTotal prometheus.Counter
}

// New creates a metrics registry with Go runtime and process collectors
// plus the KeyMesh server series.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Total commands processed, by verb.",
		}, []string{"cmd"}),
		CommandErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "server",
			Name:      "command_errors_total",
			Help:      "Total commands answered with an error frame, by verb.",
		}, []string{"cmd"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymesh",
			Subsystem: "server",
			Name:      "connections_open",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total accepted client connections.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keymesh",
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Total commands rejected by the per-IP rate limiter.",
		}),
	}

	registry.MustRegister(
		m.CommandsTotal,
		m.CommandErrorsTotal,
		m.ConnectionsOpen,
		m.ConnectionsTotal,
		m.RateLimitedTotal,
	)

	return m
}

// Registry returns the underlying Prometheus registry, for components
// that register their own series.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
