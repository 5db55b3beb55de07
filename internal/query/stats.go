package query

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Stats summarizes engine activity since construction.
type Stats struct {
	Records        int           `json:"records"`
	TotalQueries   uint64        `json:"total_queries"`
	CacheHits      uint64        `json:"cache_hits"`
	CacheMisses    uint64        `json:"cache_misses"`
	AvgQueryTime   time.Duration `json:"avg_query_time"`
	IndexBuildTime time.Duration `json:"index_build_time"`
	IndexMemory    int64         `json:"index_memory_bytes"`
	Rebuilds       uint64        `json:"rebuilds"`
}

type engineStats struct {
	queries   atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	queryTime atomic.Duration
	buildTime atomic.Duration
	memory    atomic.Int64
	rebuilds  atomic.Uint64
}

func (s *engineStats) record(elapsed time.Duration, hit bool) {
	s.queries.Inc()
	s.queryTime.Add(elapsed)
	if hit {
		s.hits.Inc()
	} else {
		s.misses.Inc()
	}
}

func (s *engineStats) indexBuilt(d time.Duration, mem int64) {
	s.buildTime.Store(d)
	s.memory.Store(mem)
	s.rebuilds.Inc()
}

func (s *engineStats) snapshot(records int) Stats {
	out := Stats{
		Records:        records,
		TotalQueries:   s.queries.Load(),
		CacheHits:      s.hits.Load(),
		CacheMisses:    s.misses.Load(),
		IndexBuildTime: s.buildTime.Load(),
		IndexMemory:    s.memory.Load(),
		Rebuilds:       s.rebuilds.Load(),
	}
	if out.TotalQueries > 0 {
		out.AvgQueryTime = s.queryTime.Load() / time.Duration(out.TotalQueries)
	}
	return out
}

type metrics struct {
	queries      *prometheus.CounterVec
	aggregations prometheus.Counter
	duration     prometheus.Histogram
	indexMemory  prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		queries: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "allocq_query_requests_total",
			Help: "Total number of queries, by cache outcome.",
		}, []string{"cache"}),
		aggregations: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "allocq_query_aggregations_total",
			Help: "Total number of aggregation requests.",
		}),
		duration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "allocq_query_duration_seconds",
			Help:    "Time taken to execute uncached queries.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		indexMemory: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "allocq_query_index_memory_bytes",
			Help: "Estimated memory held by the current indices.",
		}),
	}
}
