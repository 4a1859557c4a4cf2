package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BatchesTotal 按来源和结果统计处理过的批次。
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatehunter_batches_total",
		Help: "Raw listing batches processed, by source and status.",
	}, []string{"source", "status"})

	// RecordOutcomesTotal 按结果类型统计单条记录。
	RecordOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatehunter_record_outcomes_total",
		Help: "Per-record processing outcomes.",
	}, []string{"outcome"})

	// EventsTotal 按事件类型统计发出的事件。
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatehunter_events_total",
		Help: "Listing events emitted by the processor.",
	}, []string{"kind"})

	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "estatehunter_batch_duration_seconds",
		Help:    "Time spent processing one raw batch.",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth Redis 队列积压深度（batches / reports / events）。
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "estatehunter_queue_depth",
		Help: "Pending items in Redis queues.",
	}, []string{"queue"})

	BatchQueueThroughput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatehunter_batch_queue_throughput_total",
		Help: "Batch queue operations, by direction and status.",
	}, []string{"direction", "status"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatehunter_notifications_total",
		Help: "Notification dispatch results.",
	}, []string{"kind", "status"})

	EventAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estatehunter_event_autoclaim_total",
		Help: "Event stream messages reclaimed from idle consumers.",
	})

	EventDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estatehunter_event_dlq_total",
		Help: "Event stream messages moved to the dead-letter stream.",
	})

	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "estatehunter_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limiter token.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estatehunter_ratelimit_timeout_total",
		Help: "Rate limiter waits aborted by context.",
	})

	StatsRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatehunter_stats_refresh_total",
		Help: "Neighborhood statistics refresh runs.",
	}, []string{"status"})

	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "estatehunter_worker_pool_size",
		Help: "Configured worker pool size.",
	})
)

var registerOnce sync.Once

// InitMetrics 注册全部指标（幂等），并记录 worker 池大小。
func InitMetrics(workers int) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BatchesTotal,
			RecordOutcomesTotal,
			EventsTotal,
			BatchDuration,
			QueueDepth,
			BatchQueueThroughput,
			NotificationsTotal,
			EventAutoClaimTotal,
			EventDLQTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			StatsRefreshTotal,
			WorkerPoolSize,
		)
	})
	WorkerPoolSize.Set(float64(workers))
}
