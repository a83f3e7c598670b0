// Package metrics exposes the Prometheus instrumentation for builds and
// invocations on a dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	InvocationsTotal    *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	InvocationsInFlight prometheus.Gauge
	InvocationsShed     prometheus.Counter

	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram

	RuntimeUp prometheus.Gauge
}

// New builds a registry with process and Go collectors plus the engine
// collectors, all registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dartcloud_invocations_total",
			Help: "Invocations by function and outcome.",
		}, []string{"function", "status"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dartcloud_invocation_duration_seconds",
			Help:    "Wall-clock invocation duration.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"function"}),
		InvocationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dartcloud_invocations_in_flight",
			Help: "Invocations currently holding a concurrency slot.",
		}),
		InvocationsShed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dartcloud_invocations_shed_total",
			Help: "Invocations rejected because the concurrency limit was reached.",
		}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dartcloud_builds_total",
			Help: "Image builds by outcome.",
		}, []string{"status"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dartcloud_build_duration_seconds",
			Help:    "Image build duration.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		RuntimeUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dartcloud_runtime_up",
			Help: "Whether the container runtime answered its last health probe.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.InvocationsTotal,
		m.InvocationDuration,
		m.InvocationsInFlight,
		m.InvocationsShed,
		m.BuildsTotal,
		m.BuildDuration,
		m.RuntimeUp,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
