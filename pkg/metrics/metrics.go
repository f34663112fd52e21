package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Source metrics
	SourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcflow_sources_total",
			Help: "Total number of managed sources by connection state",
		},
		[]string{"state"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_events_processed_total",
			Help: "Total number of change events forwarded from a source",
		},
		[]string{"source_id"},
	)

	EventsSubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdcflow_event_submit_duration_seconds",
			Help:    "Time taken to submit a DATA_TRANSFORM task for a received change event",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication metrics
	ReplicationLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcflow_replication_lag_seconds",
			Help: "Wall-clock replication lag per logical source",
		},
		[]string{"source_id"},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_conflicts_total",
			Help: "Total number of replication conflicts observed, by resolution policy",
		},
		[]string{"source_id", "policy"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcflow_queue_depth",
			Help: "Current primary-structure size of a queue",
		},
		[]string{"queue"},
	)

	QueueDLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcflow_queue_dlq_depth",
			Help: "Current dead-letter size of a queue",
		},
		[]string{"queue"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcflow_tasks_total",
			Help: "Total number of tracked tasks by status",
		},
		[]string{"status"},
	)

	TaskDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcflow_task_dispatch_duration_seconds",
			Help:    "Time taken for a task handler to run to completion, by task type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// HTTP surface metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_api_requests_total",
			Help: "Total number of status/health API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcflow_api_request_duration_seconds",
			Help:    "Status/health API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Health loop metrics
	HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdcflow_health_check_duration_seconds",
			Help:    "Time taken for one health-check cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthCheckCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdcflow_health_check_cycles_total",
			Help: "Total number of health-check cycles completed",
		},
	)

	TaskFailureRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdcflow_task_failure_ratio",
			Help: "Most recently computed failed/total ratio across tracked tasks",
		},
	)
)

func init() {
	prometheus.MustRegister(SourcesTotal)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(EventsSubmitDuration)
	prometheus.MustRegister(ReplicationLagSeconds)
	prometheus.MustRegister(ConflictsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueDLQDepth)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDispatchDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(HealthCheckCyclesTotal)
	prometheus.MustRegister(TaskFailureRatio)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
