package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CampaignsStarted = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_campaigns_started_total", Help: "Campaigns accepted by the control API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_rate_limit_rejects_total", Help: "StartCampaign requests rejected by the rate limiter"})
	DevicesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_devices_completed_total", Help: "Device update jobs that reached completed"})
	DevicesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_devices_failed_total", Help: "Device update jobs that reached failed"})
	DevicesSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_devices_skipped_total", Help: "Devices skipped at dispatch or by threshold halt"})
	RollbacksSent    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_rollbacks_sent_total", Help: "Rollback commands issued after a failed update"})
	ActivityRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rollout_activity_retries_total", Help: "Activity attempts beyond the first"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rollout_queue_depth", Help: "Dispatch-ready job queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rollout_jobs_inflight", Help: "Device update jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CampaignsStarted,
			RateLimitRejects,
			DevicesCompleted,
			DevicesFailed,
			DevicesSkipped,
			RollbacksSent,
			ActivityRetries,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
