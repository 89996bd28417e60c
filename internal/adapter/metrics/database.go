package metrics

import "github.com/prometheus/client_golang/prometheus"

// DatabaseMetrics covers the optional Postgres generation ledger.
type DatabaseMetrics struct {
	QueryDuration *prometheus.HistogramVec
	ErrorsTotal   *prometheus.CounterVec
}

// NewDatabaseMetrics creates and registers database metrics on the given registry.
func NewDatabaseMetrics(reg prometheus.Registerer) *DatabaseMetrics {
	m := &DatabaseMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Postgres query latency in seconds, by statement kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Total number of failed Postgres queries, by statement kind.",
		}, []string{"query"}),
	}
	reg.MustRegister(m.QueryDuration, m.ErrorsTotal)
	return m
}
