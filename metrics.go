package agentdb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an optional, per-Shard set of Prometheus collectors. A nil
// *Metrics disables instrumentation entirely; every call site on Shard goes
// through the nil-safe helper methods below so metrics never become a
// mandatory dependency of the core.
type Metrics struct {
	InsertsTotal   *prometheus.CounterVec
	DeletesTotal   prometheus.Counter
	SearchDuration prometheus.Histogram
	SearchCacheHit prometheus.Counter
	SearchCacheMiss prometheus.Counter
	SyncConflicts  prometheus.Counter
}

// NewMetrics constructs a fresh, unregistered set of collectors labeled for
// shardID so multiple shards in one process don't collide on metric identity.
func NewMetrics(shardID string) *Metrics {
	constLabels := prometheus.Labels{"shard": shardID}
	return &Metrics{
		InsertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "agentdb_inserts_total",
			Help:        "Total number of insert operations by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		DeletesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentdb_deletes_total",
			Help:        "Total number of successful delete operations.",
			ConstLabels: constLabels,
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "agentdb_search_duration_seconds",
			Help:        "Search latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		SearchCacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentdb_search_cache_hits_total",
			Help:        "Total number of query cache hits.",
			ConstLabels: constLabels,
		}),
		SearchCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentdb_search_cache_misses_total",
			Help:        "Total number of query cache misses.",
			ConstLabels: constLabels,
		}),
		SyncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentdb_sync_conflicts_total",
			Help:        "Total number of manual-policy conflicts surfaced by sync.",
			ConstLabels: constLabels,
		}),
	}
}

// Register adds every collector to reg. Callers own the registry's lifetime.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	if m == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		m.InsertsTotal, m.DeletesTotal, m.SearchDuration, m.SearchCacheHit, m.SearchCacheMiss, m.SyncConflicts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeInsert(outcome string) {
	if m == nil {
		return
	}
	m.InsertsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeDelete() {
	if m == nil {
		return
	}
	m.DeletesTotal.Inc()
}

func (m *Metrics) observeSearch(start time.Time, cacheHit bool) {
	if m == nil {
		return
	}
	m.SearchDuration.Observe(time.Since(start).Seconds())
	if cacheHit {
		m.SearchCacheHit.Inc()
	} else {
		m.SearchCacheMiss.Inc()
	}
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.SyncConflicts.Inc()
}
