// Package metrics provides Prometheus metrics for the pipeline engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts concluded pipeline runs by conclusion.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_runs_total",
		Help: "Total number of concluded pipeline runs, by conclusion.",
	}, []string{"conclusion"})

	// JobsTotal counts concluded job runs by conclusion.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_total",
		Help: "Total number of concluded job runs, by conclusion.",
	}, []string{"conclusion"})

	// EventsTotal counts accepted trigger events by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_events_total",
		Help: "Total number of accepted trigger events, by kind.",
	}, []string{"kind"})

	// RunDuration observes wall time of concluded runs by conclusion.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_run_duration_seconds",
		Help:    "Wall time of concluded pipeline runs, by conclusion.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"conclusion"})

	// ActiveRuns tracks runs that have not reached a terminal state.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_active_runs",
		Help: "Current number of pipeline runs in a non-terminal state.",
	})

	// QueueDepth tracks pending job dispatch messages.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_queue_depth",
		Help: "Current number of queued job dispatch messages.",
	})
)

// RecordRun records a concluded run.
func RecordRun(conclusion string, duration time.Duration) {
	RunsTotal.WithLabelValues(conclusion).Inc()
	RunDuration.WithLabelValues(conclusion).Observe(duration.Seconds())
}

// RecordJob records a concluded job run.
func RecordJob(conclusion string) {
	JobsTotal.WithLabelValues(conclusion).Inc()
}

// RecordEvent records an accepted trigger event.
func RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}
