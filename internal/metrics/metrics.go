// Package metrics exposes prometheus collectors for the terminal bridge.
//
// Each server owns its own prometheus.Registry so tests can build isolated
// instances. All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termbridge"

// Metrics holds the bridge's collectors
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	spawnFailures    prometheus.Counter
	connections      prometheus.Gauge
	rejections       *prometheus.CounterVec
	oneShotDurations *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Terminal sessions currently registered.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Terminal sessions successfully spawned.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Terminal sessions removed, by reason.",
		}, []string{"reason"}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Shell spawn attempts that failed.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by admission control, by gate.",
		}, []string{"gate"}),
		oneShotDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oneshot_duration_seconds",
			Help:      "Duration of one-shot command and script runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"endpoint", "outcome"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsCreated,
		m.sessionsEnded,
		m.spawnFailures,
		m.connections,
		m.rejections,
		m.oneShotDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Rejected counts an admission rejection for the named gate
func (m *Metrics) Rejected(gate string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(gate).Inc()
}

// ObserveOneShot records how long a one-shot run took
func (m *Metrics) ObserveOneShot(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.oneShotDurations.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}
