// Package metrics holds the Prometheus collectors the engine reports to.
// Collectors live on a private registry so tests and multiple engines in one
// process do not collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wellspring"

// Metrics is the engine's set of collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Writes counts accepted writes. Labels: kind (node, edge, relation,
	// attestation, traversal, focus)
	Writes *prometheus.CounterVec

	// Rejected counts refused writes. Labels: kind, reason
	Rejected *prometheus.CounterVec

	// Contradictions counts newly detected contradictions. Labels: kind
	Contradictions *prometheus.CounterVec

	Cycles prometheus.Counter

	// Merged counts items received from peers. Labels: outcome (new,
	// duplicate, rejected)
	Merged *prometheus.CounterVec

	RecomputeDuration prometheus.Histogram
	RecomputeEvents   prometheus.Counter
	WaterlineLatency  prometheus.Histogram
	LogSeq            prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Accepted writes by entity kind",
		}, []string{"kind"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_writes_total",
			Help:      "Writes refused at the boundary",
		}, []string{"kind", "reason"}),
		Contradictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contradictions_total",
			Help:      "Contradictions detected",
		}, []string{"kind"}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_cycles_total",
			Help:      "Grounding cycles cut during groundedness evaluation",
		}),
		Merged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Items received from peers by outcome",
		}, []string{"outcome"}),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recompute",
			Name:      "duration_seconds",
			Help:      "Background recomputation run time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		RecomputeEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recompute",
			Name:      "events_total",
			Help:      "Log events walked by background recomputation",
		}),
		WaterlineLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "salience",
			Name:      "waterline_seconds",
			Help:      "Waterline query latency",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		LogSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_seq",
			Help:      "Highest event log position applied to the in-memory index",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
