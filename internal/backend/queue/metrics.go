package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_queue_tasks_enqueued_total",
			Help: "Total number of job tasks enqueued on the broker.",
		},
		[]string{"queue"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_queue_tasks_processed_total",
			Help: "Total number of job tasks processed by this worker, by outcome.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "longcall_queue_task_seconds",
			Help:    "Job task execution time on the worker, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(tasksEnqueued)
	prometheus.MustRegister(tasksProcessed)
	prometheus.MustRegister(taskDuration)
}
