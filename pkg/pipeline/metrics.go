package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ingest counters exposed on /metrics.
type Metrics struct {
	chunks       *prometheus.CounterVec
	samples      prometheus.Counter
	measurements *prometheus.CounterVec
	chunkLatency prometheus.Histogram
	mismatches   prometheus.Counter
}

// NewMetrics registers the ingest metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinysense_chunks_total",
			Help: "Chunks received by outcome",
		}, []string{"outcome"}),

		samples: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinysense_samples_total",
			Help: "Samples appended to raw storage",
		}),

		measurements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinysense_measurements_total",
			Help: "Measurement lifecycle transitions",
		}, []string{"event"}),

		chunkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tinysense_chunk_duration_seconds",
			Help:    "Time to accept a non-duplicate chunk",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		mismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinysense_complete_mismatch_total",
			Help: "Completions whose reported totals differ from the server counts",
		}),
	}
}

func (m *Metrics) chunk(outcome string) {
	m.chunks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) event(name string) {
	m.measurements.WithLabelValues(name).Inc()
}
