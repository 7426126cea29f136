package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync tasks by pool and final status
	SyncTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firemail_sync_tasks_total",
			Help: "Total number of account sync tasks by pool and outcome",
		},
		[]string{"pool", "status"},
	)

	// Sync task wall time (seconds)
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firemail_sync_duration_seconds",
			Help:    "Account sync task duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		[]string{"pool"},
	)

	ClaimsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firemail_sync_claims_active",
			Help: "Number of accounts with a sync in progress",
		},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firemail_fetch_retries_total",
			Help: "Total number of retried remote page requests",
		},
		[]string{"provider"},
	)

	MessagesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firemail_messages_saved_total",
			Help: "Total number of newly stored messages",
		},
	)

	AttachmentsBackfilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firemail_attachments_backfilled_total",
			Help: "Total number of messages that had attachments backfilled",
		},
	)

	SchedulerRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firemail_scheduler_rounds_total",
			Help: "Total number of realtime scheduler rounds",
		},
	)

	SchedulerBusySkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firemail_scheduler_busy_skips_total",
			Help: "Total number of selected accounts skipped because a sync was in progress",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firemail_outbox_published_total",
			Help: "Total number of outbox events handed to the broker",
		},
		[]string{"status"}, // status: success, failed
	)
)

// RecordSyncTask records one finished sync task
func RecordSyncTask(pool, status string, duration time.Duration) {
	SyncTasks.WithLabelValues(pool, status).Inc()
	SyncDuration.WithLabelValues(pool).Observe(duration.Seconds())
}

// IncrementFetchRetry counts one retried page request
func IncrementFetchRetry(provider string) {
	FetchRetries.WithLabelValues(provider).Inc()
}

// IncrementOutboxPublished counts one outbox publish attempt
func IncrementOutboxPublished(status string) {
	OutboxPublished.WithLabelValues(status).Inc()
}
