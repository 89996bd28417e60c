package metrics

import "github.com/prometheus/client_golang/prometheus"

// UploadMetrics holds Prometheus metrics for the upload pipeline.
type UploadMetrics struct {
	UploadsTotal *prometheus.CounterVec
	BytesTotal   prometheus.Counter
	Attempts     prometheus.Histogram
	Duration     prometheus.Histogram
	InFlight     prometheus.Gauge
}

// NewUploadMetrics creates and registers upload metrics on the given registry.
func NewUploadMetrics(reg prometheus.Registerer) *UploadMetrics {
	m := &UploadMetrics{
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of finished uploads, by outcome.",
		}, []string{"outcome"}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total number of bytes transferred to object storage.",
		}),
		Attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_attempts",
			Help:      "Number of transfer attempts per finished upload.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Wall time of finished uploads in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads_in_flight",
			Help:      "Number of uploads currently transferring.",
		}),
	}

	reg.MustRegister(m.UploadsTotal, m.BytesTotal, m.Attempts, m.Duration, m.InFlight)
	return m
}
