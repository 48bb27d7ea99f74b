package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Number of jobs inserted into the queue, labeled by job name.",
	}, []string{"job"})

	completedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Number of jobs whose handler returned successfully.",
	}, []string{"job"})

	retriedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "retry_scheduled_total",
		Help:      "Number of times a failed job was scheduled for another attempt.",
	}, []string{"job"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Number of jobs marked failed after exhausting retries or failing permanently.",
	}, []string{"job"})

	expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "expired_total",
		Help:      "Number of active jobs recovered after their lease elapsed.",
	})

	scheduledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "schedule_fired_total",
		Help:      "Number of jobs created by recurring schedules.",
	}, []string{"job"})

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wearables",
		Subsystem: "jobs",
		Name:      "handler_duration_seconds",
		Help:      "Time spent inside job handlers.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(enqueuedCounter, completedCounter, retriedCounter, failedCounter, expiredCounter, scheduledCounter, handlerDuration)
}

func recordEnqueued(name string) {
	enqueuedCounter.WithLabelValues(name).Inc()
}

func recordCompleted(name string) {
	completedCounter.WithLabelValues(name).Inc()
}

func recordRetry(name string) {
	retriedCounter.WithLabelValues(name).Inc()
}

func recordFailed(name string) {
	failedCounter.WithLabelValues(name).Inc()
}
