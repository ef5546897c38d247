// Package metrics exposes Prometheus counters for paste activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	created   prometheus.Counter
	granted   prometheus.Counter
	rejected  *prometheus.CounterVec
	conflicts prometheus.Counter
}

// New registers the paste counters plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pastelite",
			Name:      "pastes_created_total",
			Help:      "Pastes written to the backend.",
		}),
		granted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pastelite",
			Name:      "views_granted_total",
			Help:      "Views that returned content.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pastelite",
			Name:      "views_rejected_total",
			Help:      "Views refused, by reason.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pastelite",
			Name:      "view_conflicts_total",
			Help:      "Compare-and-swap attempts that lost to a concurrent writer.",
		}),
	}
	reg.MustRegister(
		m.created,
		m.granted,
		m.rejected,
		m.conflicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) PasteCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) ViewGranted() {
	if m == nil {
		return
	}
	m.granted.Inc()
}

func (m *Metrics) ViewRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SwapConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
