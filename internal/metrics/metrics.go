// Package metrics holds the Prometheus collectors shared by the dispatch
// pipeline and the HTTP API. Collectors register with the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerInvocations counts worker runs by profile and outcome
	// (ok, spawn_failed, execution_failed, timeout, unparseable).
	WorkerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "larder_worker_invocations_total",
			Help: "Total number of worker process invocations.",
		},
		[]string{"profile", "outcome"},
	)

	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "larder_worker_duration_seconds",
			Help:    "Wall time of worker process invocations.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180, 300},
		},
		[]string{"profile"},
	)

	WorkersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "larder_workers_in_flight",
			Help: "Number of worker processes currently running.",
		},
	)

	// JobsTotal counts jobs reaching a status, by kind.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "larder_jobs_total",
			Help: "Total number of analysis job status transitions.",
		},
		[]string{"kind", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "larder_http_requests_total",
			Help: "Total number of HTTP requests handled by the API.",
		},
		[]string{"path", "method", "code"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
