// Package metrics exposes Prometheus instrumentation for guideflow.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guideflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guideflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guideflow_stage_transitions_total",
			Help: "Accepted stage transitions",
		},
		[]string{"flow", "event", "to"},
	)

	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guideflow_reconciliations_total",
			Help: "Reconciliations by winning source",
		},
		[]string{"source"},
	)

	snapshotSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guideflow_snapshot_saves_total",
			Help: "Snapshot saves by outcome",
		},
		[]string{"outcome"},
	)

	backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guideflow_backend_calls_total",
			Help: "Backend calls by operation and result",
		},
		[]string{"op", "result"},
	)

	activeControllers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guideflow_active_controllers",
			Help: "Mounted session controllers",
		},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			transitionsTotal,
			reconciliationsTotal,
			snapshotSavesTotal,
			backendCallsTotal,
			activeControllers,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransition counts an accepted stage transition
func RecordTransition(flow, event, to string) {
	transitionsTotal.WithLabelValues(flow, event, to).Inc()
}

// RecordReconciliation counts which source a reconciliation adopted
func RecordReconciliation(source string) {
	reconciliationsTotal.WithLabelValues(source).Inc()
}

// RecordSnapshotSave counts a snapshot save outcome
func RecordSnapshotSave(outcome string) {
	snapshotSavesTotal.WithLabelValues(outcome).Inc()
}

// RecordBackendCall counts a backend call; err decides the result label
func RecordBackendCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	backendCallsTotal.WithLabelValues(op, result).Inc()
}

// SetActiveControllers sets the mounted controller gauge
func SetActiveControllers(n int) {
	activeControllers.Set(float64(n))
}
