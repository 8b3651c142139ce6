// Package metrics exposes Prometheus collectors for the dispatch
// pipeline and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_jobs_enqueued_total",
		Help: "Jobs created by campaign submission.",
	})

	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_jobs_claimed_total",
		Help: "Jobs handed out to workers.",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_jobs_completed_total",
		Help: "Jobs reported done.",
	})

	JobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_jobs_requeued_total",
		Help: "Failed jobs scheduled for another attempt.",
	})

	JobsFailedPermanent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_jobs_failed_permanent_total",
		Help: "Jobs that exhausted their attempts.",
	})

	JobsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_jobs_released_total",
		Help: "Stale claims returned to the queue by the sweeper.",
	})

	CooldownsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgblast_account_cooldowns_total",
		Help: "Cooldowns applied to accounts after flood waits.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgblast_http_requests_total",
		Help: "HTTP requests by method and status.",
	}, []string{"method", "status"})

	HTTPDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tgblast_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
