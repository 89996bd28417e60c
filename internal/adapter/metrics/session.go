package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics holds Prometheus metrics for the session lifecycle.
type SessionMetrics struct {
	Created  prometheus.Counter
	Extended *prometheus.CounterVec
	Deleted  prometheus.Counter
}

// NewSessionMetrics creates and registers session metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created.",
		}),
		Extended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_extended_total",
			Help:      "Total number of session extension requests, by result.",
		}, []string{"result"}),
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_deleted_total",
			Help:      "Total number of sessions deleted by their owner.",
		}),
	}

	reg.MustRegister(m.Created, m.Extended, m.Deleted)
	return m
}
