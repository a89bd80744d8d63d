// metrics/collector.go
package metrics

import (
	"context"
	"time"

	"github.com/illmade-knight/go-cache/pkg/cachestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Collector exposes cache statistics to Prometheus. It snapshots the store on
// every scrape, so the cache's own counters remain the single source of
// truth. Register it with any prometheus.Registerer; wrap the registerer to
// add a namespace prefix if the default names collide.
type Collector struct {
	provider cachestore.StatsProvider
	timeout  time.Duration
	logger   zerolog.Logger

	connected   *prometheus.Desc
	keys        *prometheus.Desc
	memoryBytes *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	sets        *prometheus.Desc
	removals    *prometheus.Desc
	evictions   *prometheus.Desc
	hitRatio    *prometheus.Desc
}

// NewCollector creates a collector over the store's statistics capability.
func NewCollector(provider cachestore.StatsProvider, logger zerolog.Logger) *Collector {
	return &Collector{
		provider:    provider,
		timeout:     5 * time.Second,
		logger:      logger.With().Str("component", "MetricsCollector").Logger(),
		connected:   prometheus.NewDesc("cache_connected", "Whether the cache backend is reachable (1=connected).", nil, nil),
		keys:        prometheus.NewDesc("cache_keys", "Number of keys currently stored.", nil, nil),
		memoryBytes: prometheus.NewDesc("cache_memory_bytes", "Memory used by cached payloads.", nil, nil),
		hits:        prometheus.NewDesc("cache_hits_total", "Total cache hits.", nil, nil),
		misses:      prometheus.NewDesc("cache_misses_total", "Total cache misses.", nil, nil),
		sets:        prometheus.NewDesc("cache_sets_total", "Total cache writes.", nil, nil),
		removals:    prometheus.NewDesc("cache_removals_total", "Total explicit removals.", nil, nil),
		evictions:   prometheus.NewDesc("cache_evictions_total", "Total evictions under memory pressure.", nil, nil),
		hitRatio:    prometheus.NewDesc("cache_hit_ratio", "Hits divided by total reads.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.keys
	ch <- c.memoryBytes
	ch <- c.hits
	ch <- c.misses
	ch <- c.sets
	ch <- c.removals
	ch <- c.evictions
	ch <- c.hitRatio
}

// Collect implements prometheus.Collector. A store that cannot report this
// scrape simply yields no samples; scraping must never fail the process.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.provider.Statistics(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to gather cache statistics for scrape.")
		return
	}

	connected := 0.0
	if stats.Connected {
		connected = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected)
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(stats.Keys))
	ch <- prometheus.MustNewConstMetric(c.memoryBytes, prometheus.GaugeValue, float64(stats.MemoryBytes))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(stats.Sets))
	ch <- prometheus.MustNewConstMetric(c.removals, prometheus.CounterValue, float64(stats.Removals))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, stats.HitRatio)
}
