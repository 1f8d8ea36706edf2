package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_submitted_total", Help: "Readings admitted into the pipeline"})
	InsufficientFunds = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_insufficient_funds_total", Help: "Submissions rejected for lack of credits"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_completed_total", Help: "Readings completed successfully"})
	WorkerRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_retried_total", Help: "Transient provider failures scheduled for retry"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_failed_total", Help: "Readings that ended failed (with refund)"})
	ReaperReclaims    = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_lease_reclaims_total", Help: "Expired leases reclaimed by the reaper"})
	RefundCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_refunds_total", Help: "Compensating credits applied"})
	TopUpApplied      = prometheus.NewCounter(prometheus.CounterOpts{Name: "payments_applied_total", Help: "Payment events credited to the ledger"})
	TopUpDuplicates   = prometheus.NewCounter(prometheus.CounterOpts{Name: "payments_duplicate_total", Help: "Payment events skipped as already applied"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "readings_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "readings_inflight", Help: "Readings currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			InsufficientFunds,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			ReaperReclaims,
			RefundCounter,
			TopUpApplied,
			TopUpDuplicates,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
