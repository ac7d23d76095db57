// Package metrics exposes Prometheus instrumentation for executions and
// the HTTP transport.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionMemory   prometheus.Histogram
	ModuleSize        prometheus.Histogram
	Inflight          prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	RateLimited prometheus.Counter
}

// New creates a metrics collector with a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmbox_executions_total",
				Help: "Total executions by outcome stage",
			},
			[]string{"stage"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wasmbox_execution_duration_seconds",
				Help:    "Execution wall-clock time in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"stage"},
		),
		ExecutionMemory: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_execution_memory_bytes",
				Help:    "Linear memory size after successful executions",
				Buckets: prometheus.ExponentialBuckets(sandbox.PageSize, 4, 9),
			},
		),
		ModuleSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_module_size_bytes",
				Help:    "Submitted module size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000, 100000000},
			},
		),
		Inflight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasmbox_executions_inflight",
				Help: "Executions currently running",
			},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wasmbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasmbox_ws_connections",
				Help: "Open websocket connections",
			},
		),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmbox_ws_messages_total",
				Help: "Websocket frames by direction",
			},
			[]string{"direction"},
		),

		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmbox_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
	}
}

// RecordExecution records one finished execution.
func (m *Metrics) RecordExecution(o sandbox.Outcome) {
	stage := o.Stage()
	m.ExecutionsTotal.WithLabelValues(stage).Inc()
	m.ExecutionDuration.WithLabelValues(stage).Observe(o.Elapsed.Seconds())
	m.ModuleSize.Observe(float64(o.ModuleSize))
	if o.MemoryUsed != nil {
		m.ExecutionMemory.Observe(float64(*o.MemoryUsed))
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
