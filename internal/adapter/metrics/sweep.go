package metrics

import "github.com/prometheus/client_golang/prometheus"

// SweepMetrics holds Prometheus metrics for the expired-session sweeper.
type SweepMetrics struct {
	Runs            *prometheus.CounterVec
	DeletedSessions prometheus.Counter
	DeletedAssets   prometheus.Counter
	Failures        prometheus.Counter
	Forced          prometheus.Counter
	Duration        prometheus.Histogram
}

// NewSweepMetrics creates and registers sweeper metrics on the given registry.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	m := &SweepMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of sweep passes, by result.",
		}, []string{"result"}),
		DeletedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "deleted_sessions_total",
			Help:      "Total number of expired sessions purged.",
		}),
		DeletedAssets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "deleted_assets_total",
			Help:      "Total number of stored objects deleted by the sweeper.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "failures_total",
			Help:      "Total number of sessions whose cleanup failed during a pass.",
		}),
		Forced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "forced_purges_total",
			Help:      "Total number of records purged after exhausting the failure budget.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of sweep passes in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(m.Runs, m.DeletedSessions, m.DeletedAssets, m.Failures, m.Forced, m.Duration)
	return m
}
