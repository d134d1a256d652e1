package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records ingest activity on its own registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	rowsWritten *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weather_ingest_runs_total",
			Help: "Ingest sequences by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weather_ingest_rows_written_total",
			Help: "Rows written to the database by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(m.runs)
	registry.MustRegister(m.rowsWritten)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Run counts one finished sequence.
func (m *Metrics) Run(kind, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RowsWritten(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsWritten.WithLabelValues(kind).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
