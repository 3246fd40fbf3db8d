// Package metrics exposes Prometheus collectors for graph operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memory-graph-go/storage"
)

const namespace = "memory_graph"

// Metrics implements graph.Recorder on a private registry
type Metrics struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	saves       *prometheus.CounterVec
	saveLatency prometheus.Histogram
	graphSize   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Graph operations by name and result.",
		}, []string{"op", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of graph operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot rewrites by result.",
		}, []string{"result"}),
		saveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Duration of snapshot rewrites.",
			Buckets:   prometheus.DefBuckets,
		}),
		graphSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_items",
			Help:      "Current number of entities, relations and observations.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.operations, m.opDuration, m.saves, m.saveLatency, m.graphSize)
	return m
}

// result maps an error to a low-cardinality label value
func result(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := storage.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

func (m *Metrics) ObserveOperation(op string, err error, d time.Duration) {
	m.operations.WithLabelValues(op, result(err)).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveSave(err error, d time.Duration) {
	m.saves.WithLabelValues(result(err)).Inc()
	m.saveLatency.Observe(d.Seconds())
}

func (m *Metrics) SetGraphSize(entities, relations, observations int) {
	m.graphSize.WithLabelValues("entities").Set(float64(entities))
	m.graphSize.WithLabelValues("relations").Set(float64(relations))
	m.graphSize.WithLabelValues("observations").Set(float64(observations))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
