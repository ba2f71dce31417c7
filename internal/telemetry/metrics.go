// Package telemetry exports engine metrics to Prometheus.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-etl-engine/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the engine
type Metrics struct {
	// Run metrics
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	recordsTotal   *prometheus.CounterVec
	qualityScore   *prometheus.HistogramVec
	runErrorsTotal *prometheus.CounterVec

	// Usage metrics
	usageRecords   *prometheus.CounterVec
	bytesProcessed *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the engine metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_runs_total",
				Help: "Total number of pipeline runs by tier and final status",
			},
			[]string{"tier", "status"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_run_duration_seconds",
				Help:    "Pipeline run execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"tier"},
		),

		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_records_total",
				Help: "Total number of records by pipeline stage",
			},
			[]string{"stage"},
		),

		qualityScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_data_quality_score",
				Help:    "Data quality score of successful runs",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
			},
			[]string{"tier"},
		),

		runErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_run_errors_total",
				Help: "Total number of errors recorded against runs",
			},
			[]string{"tier"},
		),

		usageRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_usage_records_total",
				Help: "Total number of metered executions by tier",
			},
			[]string{"tier", "status"},
		),

		bytesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_bytes_processed_total",
				Help: "Total number of source bytes read by tier",
			},
			[]string{"tier"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_config_reloads_total",
				Help: "Total number of configuration reloads",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.recordsTotal,
		m.qualityScore,
		m.runErrorsTotal,
		m.usageRecords,
		m.bytesProcessed,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordRun exports the final snapshot of a run
func (m *Metrics) RecordRun(_ context.Context, snap model.MetricsSnapshot) error {
	m.runsTotal.WithLabelValues(snap.Tier, snap.Status).Inc()
	m.runDuration.WithLabelValues(snap.Tier).Observe(snap.ExecutionTime)
	m.recordsTotal.WithLabelValues("extracted").Add(float64(snap.RecordsExtracted))
	m.recordsTotal.WithLabelValues("transformed").Add(float64(snap.RecordsTransformed))
	m.recordsTotal.WithLabelValues("loaded").Add(float64(snap.RecordsLoaded))
	if snap.ErrorsCount > 0 {
		m.runErrorsTotal.WithLabelValues(snap.Tier).Add(float64(snap.ErrorsCount))
	}
	if snap.Status == model.StatusSuccess {
		m.qualityScore.WithLabelValues(snap.Tier).Observe(snap.DataQualityScore)
	}
	return nil
}

// RecordUsage exports one metered execution
func (m *Metrics) RecordUsage(_ context.Context, rec model.UsageRecord) error {
	m.usageRecords.WithLabelValues(rec.Tier, rec.Status).Add(float64(rec.ExecutionCount))
	m.bytesProcessed.WithLabelValues(rec.Tier).Add(float64(rec.BytesProcessed))
	return nil
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request counts and latency
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName collapses ids so label cardinality stays bounded
func endpointName(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 4 && parts[0] == "api" && parts[2] == "pipelines":
		parts[3] = "{id}"
	case len(parts) >= 4 && parts[0] == "api" && (parts[2] == "usage" || parts[2] == "agents" || parts[2] == "download"):
		parts = append(parts[:3], "{id}")
	case len(parts) >= 1 && parts[0] == "swagger":
		parts = parts[:1]
	}
	return "/" + strings.Join(parts, "/")
}
