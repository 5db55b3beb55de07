package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs            *prometheus.CounterVec
	failures        *prometheus.CounterVec
	bytesProcessed  *prometheus.CounterVec
	chunksProcessed *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	peakMemory      prometheus.Gauge
	stolenItems     prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		runs: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "allocq_processor_runs_total",
			Help: "Total number of processing calls.",
		}, []string{"method"}),
		failures: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "allocq_processor_failures_total",
			Help: "Total number of failed processing calls.",
		}, []string{"method"}),
		bytesProcessed: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "allocq_processor_bytes_total",
			Help: "Total number of bytes produced by processing calls.",
		}, []string{"method"}),
		chunksProcessed: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "allocq_processor_chunks_total",
			Help: "Total number of chunks or work items processed.",
		}, []string{"method"}),
		duration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "allocq_processor_duration_seconds",
			Help:    "Time taken by a processing call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		peakMemory: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "allocq_processor_peak_memory_bytes",
			Help: "Peak tracked memory of the last monitored call.",
		}),
		stolenItems: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "allocq_processor_stolen_items_total",
			Help: "Total number of work items executed by a worker other than their owner.",
		}),
	}
}

func (m *metrics) observe(s Stats) {
	method := string(s.Method)
	m.runs.WithLabelValues(method).Inc()
	m.bytesProcessed.WithLabelValues(method).Add(float64(s.BytesProcessed))
	m.chunksProcessed.WithLabelValues(method).Add(float64(s.ChunksProcessed))
	m.duration.WithLabelValues(method).Observe(s.Duration.Seconds())
	if s.PeakMemory > 0 {
		m.peakMemory.Set(float64(s.PeakMemory))
	}
}

func (m *metrics) fail(method Method) {
	m.runs.WithLabelValues(string(method)).Inc()
	m.failures.WithLabelValues(string(method)).Inc()
}
