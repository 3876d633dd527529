package tilecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics exports the Prometheus collectors the ambient stack wires
// up around TileCache (SPEC_FULL.md §7), grounded on nobletooth-kiwi's
// promauto.NewCounterVec pattern in pkg/utils/invariant.go.
type cacheMetrics struct {
	liveRecords    prometheus.Gauge
	zombieRecords  prometheus.Gauge
	tilesLoaded    prometheus.Gauge
	evictions      *prometheus.CounterVec // label "class": zombie|lru
	insertions     *prometheus.CounterVec // label "kind": created|revived|attached
	conversions    *prometheus.CounterVec // label "outcome": ok|rollback|unreachable
	conversionHops prometheus.Histogram
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	factory := promauto.With(reg)
	m := &cacheMetrics{
		liveRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tilecache_live_records",
			Help: "Number of records with at least one referring tile.",
		}),
		zombieRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tilecache_zombie_records",
			Help: "Number of records with no referring tile, still cached.",
		}),
		tilesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tilecache_tiles_loaded",
			Help: "Length of the eviction-candidate tile sequence.",
		}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_evictions_total",
			Help: "Number of records evicted, by victim class.",
		}, []string{"class"}),
		insertions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_insertions_total",
			Help: "Number of cacheTile calls, by outcome kind.",
		}, []string{"kind"}),
		conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_conversions_total",
			Help: "Number of in-place conversions, by outcome.",
		}, []string{"outcome"}),
		conversionHops: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tilecache_conversion_path_length",
			Help:    "Number of edges in the conversion path, per conversion.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
	}
	return m
}

func (m *cacheMetrics) observeInsert(created, revived bool) {
	switch {
	case created:
		m.insertions.WithLabelValues("created").Inc()
	case revived:
		m.insertions.WithLabelValues("revived").Inc()
	default:
		m.insertions.WithLabelValues("attached").Inc()
	}
}

func (m *cacheMetrics) observeEviction(class string) {
	m.evictions.WithLabelValues(class).Inc()
}

// observeConversion records a completed _convert run: outcome is one of
// "ok", "rollback", or "unreachable"; hops is the number of edges in the
// resolved conversion path, even when a rollback stopped partway along it
// (0 for "unreachable", since no path was found).
func (m *cacheMetrics) observeConversion(outcome string, hops int) {
	m.conversions.WithLabelValues(outcome).Inc()
	if hops > 0 {
		m.conversionHops.Observe(float64(hops))
	}
}

func (m *cacheMetrics) setCounts(live, zombie, tilesLoaded int) {
	m.liveRecords.Set(float64(live))
	m.zombieRecords.Set(float64(zombie))
	m.tilesLoaded.Set(float64(tilesLoaded))
}
