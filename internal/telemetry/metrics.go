package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReplayJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_jobs_total", Help: "Replay jobs finished by terminal status",
	}, []string{"status"})
	ReplayItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_items_total", Help: "Replay item attempts by outcome",
	}, []string{"event_key", "status"})
	ReplayEndpointLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "replay_endpoint_duration_seconds", Help: "Latency of replay endpoint calls",
		Buckets: prometheus.DefBuckets,
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_rate_limit_rejects_total", Help: "Replay submissions rejected by the rate limiter",
	})
	HousekeepingRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "housekeeping_runs_total", Help: "Housekeeping attempts by job type, trigger and status",
	}, []string{"job_type", "trigger", "status"})
	HousekeepingDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "housekeeping_deleted_rows_total", Help: "Rows removed by housekeeping",
	}, []string{"job_type", "event_key"})
	HousekeepingEligible = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "housekeeping_eligible_rows", Help: "Rows eligible for deletion at the last snapshot",
	}, []string{"job_type", "event_key"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReplayJobs,
			ReplayItems,
			ReplayEndpointLatency,
			RateLimitRejects,
			HousekeepingRuns,
			HousekeepingDeleted,
			HousekeepingEligible,
		)
	})
	return promhttp.Handler()
}
