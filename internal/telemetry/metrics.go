package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenant_transitions_total", Help: "Tenant state transitions by operation and result",
	}, []string{"operation", "result"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "provision_jobs_enqueued_total", Help: "Total enqueued provisioning jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "provision_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "provision_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "provision_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "provision_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "provision_jobs_inflight", Help: "Jobs currently leased"})
	SweptJobs        = prometheus.NewCounter(prometheus.CounterOpts{Name: "provision_jobs_swept_total", Help: "Jobs settled by the execution budget sweeper"})
	DriftDetected    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tenant_drift_detected_total", Help: "Active tenants whose backing resource was missing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionCounter,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			SweptJobs,
			DriftDetected,
		)
	})
	return promhttp.Handler()
}
