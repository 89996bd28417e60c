package metrics

import "github.com/prometheus/client_golang/prometheus"

// GenerationMetrics holds Prometheus metrics for upstream generation requests.
type GenerationMetrics struct {
	RequestsTotal *prometheus.CounterVec
	Latency       prometheus.Histogram
	BreakerState  prometheus.Gauge
}

// NewGenerationMetrics creates and registers generation metrics on the given registry.
func NewGenerationMetrics(reg prometheus.Registerer) *GenerationMetrics {
	m := &GenerationMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Total number of generation submissions, by outcome.",
		}, []string{"outcome"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Latency of upstream generation calls in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_circuit_breaker_state",
			Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.RequestsTotal, m.Latency, m.BreakerState)
	return m
}
