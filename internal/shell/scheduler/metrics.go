package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler counters on the process registry.
type Metrics struct {
	RunsCompleted *prometheus.CounterVec
	RunsDeferred  prometheus.Counter
	RunsExhausted prometheus.Counter
	RunDuration   prometheus.Histogram
	ActiveRuns    prometheus.Gauge
	QueueDepth    prometheus.Gauge
}

// NewMetrics registers scheduler metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "packcheck_runs_completed_total",
			Help: "Validation runs that reached a terminal state, by status.",
		}, []string{"status"}),
		RunsDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "packcheck_runs_deferred_total",
			Help: "Dequeues deferred because the concurrency cap was saturated.",
		}),
		RunsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "packcheck_runs_exhausted_total",
			Help: "Runs failed after exhausting their delivery retry ceiling.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "packcheck_run_duration_seconds",
			Help:    "Wall-clock duration of completed validation runs.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 8),
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packcheck_active_runs",
			Help: "Validation runs currently executing in this process.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packcheck_queue_depth",
			Help: "Messages in the validation work queue.",
		}),
	}
}
