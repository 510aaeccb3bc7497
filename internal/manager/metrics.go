package manager

import "github.com/prometheus/client_golang/prometheus"

// Termination reasons.
const (
	reasonCancelled  = "cancelled"
	reasonSuperseded = "superseded"
	reasonUnhealthy  = "unhealthy"
	reasonRetired    = "retired"
	reasonShutdown   = "shutdown"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_jobs_submitted_total",
			Help: "Total number of jobs dispatched to the backend.",
		},
		[]string{"function"},
	)

	submitErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "longcall_submit_errors_total",
			Help: "Total number of submissions the backend rejected.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_cache_lookups_total",
			Help: "Total number of cache lookups by result.",
		},
		[]string{"result"},
	)

	jobsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_jobs_terminated_total",
			Help: "Total number of job terminations by reason.",
		},
		[]string{"reason"},
	)

	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "longcall_jobs_running",
			Help: "Number of jobs in the running-jobs registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmitted)
	prometheus.MustRegister(submitErrors)
	prometheus.MustRegister(cacheLookups)
	prometheus.MustRegister(jobsTerminated)
	prometheus.MustRegister(jobsRunning)

	for _, r := range []string{"hit", "miss"} {
		cacheLookups.WithLabelValues(r)
	}
	for _, r := range []string{reasonCancelled, reasonSuperseded, reasonUnhealthy, reasonRetired, reasonShutdown} {
		jobsTerminated.WithLabelValues(r)
	}
}
