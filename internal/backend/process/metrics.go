package process

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for job outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeKilled    = "killed"
	outcomeLost      = "lost"
)

var (
	spawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "longcall_process_spawn_seconds",
			Help:    "Duration from process start to the worker reporting ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "longcall_process_active",
			Help: "Number of worker processes currently running.",
		},
	)

	killedProcesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "longcall_process_killed_total",
			Help: "Total number of processes killed while terminating job process trees.",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_process_jobs_total",
			Help: "Total number of jobs run by the process backend, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(spawnDuration)
	prometheus.MustRegister(activeProcesses)
	prometheus.MustRegister(killedProcesses)
	prometheus.MustRegister(jobsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeKilled, outcomeLost} {
		jobsTotal.WithLabelValues(o)
	}
}
