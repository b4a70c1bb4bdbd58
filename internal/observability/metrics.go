// Package observability exports prometheus collectors for the cache
// registry and the worker pools.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"servcore/internal/cache"
	"servcore/internal/pool"
)

// CacheCollector exports the counters of every cache in a registry.
type CacheCollector struct {
	registry *cache.Registry

	size    *prometheus.Desc
	maxSize *prometheus.Desc
	entries *prometheus.Desc
	hits    *prometheus.Desc
	misses  *prometheus.Desc
	expired *prometheus.Desc
	pruned  *prometheus.Desc
	flushed *prometheus.Desc
}

// NewCacheCollector creates a collector over the cache registry.
func NewCacheCollector(registry *cache.Registry) *CacheCollector {
	labels := []string{"cache"}
	return &CacheCollector{
		registry: registry,
		size: prometheus.NewDesc("servcore_cache_size_bytes",
			"Current byte size of all cached values", labels, nil),
		maxSize: prometheus.NewDesc("servcore_cache_max_size_bytes",
			"Configured cache byte budget", labels, nil),
		entries: prometheus.NewDesc("servcore_cache_entries",
			"Number of entries in the cache", labels, nil),
		hits: prometheus.NewDesc("servcore_cache_hits_total",
			"Successful cache lookups", labels, nil),
		misses: prometheus.NewDesc("servcore_cache_misses_total",
			"Unsuccessful cache lookups", labels, nil),
		expired: prometheus.NewDesc("servcore_cache_expired_total",
			"Entries removed after their TTL passed", labels, nil),
		pruned: prometheus.NewDesc("servcore_cache_pruned_total",
			"Entries evicted by the size bound", labels, nil),
		flushed: prometheus.NewDesc("servcore_cache_flushed_total",
			"Entries removed by explicit flushes", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxSize
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.expired
	ch <- c.pruned
	ch <- c.flushed
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Walk(func(cc *cache.Cache) {
		cc.Lock()
		stats := cc.Stats()
		cc.Unlock()
		name := cc.Name()

		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue,
			float64(stats.Size), name)
		ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue,
			float64(stats.MaxSize), name)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue,
			float64(stats.Entries), name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue,
			float64(stats.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue,
			float64(stats.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue,
			float64(stats.Expired), name)
		ch <- prometheus.MustNewConstMetric(c.pruned, prometheus.CounterValue,
			float64(stats.Pruned), name)
		ch <- prometheus.MustNewConstMetric(c.flushed, prometheus.CounterValue,
			float64(stats.Flushed), name)
	})
}

// PoolCollector exports worker pool counters.
type PoolCollector struct {
	pools func() []*pool.Pool

	scheduled *prometheus.Desc
	rejected  *prometheus.Desc
	processed *prometheus.Desc
	queued    *prometheus.Desc
	running   *prometheus.Desc
	workers   *prometheus.Desc
}

// NewPoolCollector creates a collector over a pool snapshot function.
func NewPoolCollector(pools func() []*pool.Pool) *PoolCollector {
	labels := []string{"pool"}
	return &PoolCollector{
		pools: pools,
		scheduled: prometheus.NewDesc("servcore_pool_scheduled_total",
			"Connections handed to the pool", labels, nil),
		rejected: prometheus.NewDesc("servcore_pool_rejected_total",
			"Connections refused by admission control", labels, nil),
		processed: prometheus.NewDesc("servcore_pool_processed_total",
			"Connections fully served", labels, nil),
		queued: prometheus.NewDesc("servcore_pool_queued",
			"Connections currently waiting", labels, nil),
		running: prometheus.NewDesc("servcore_pool_running",
			"Connections currently being served", labels, nil),
		workers: prometheus.NewDesc("servcore_pool_workers",
			"Current worker goroutines", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scheduled
	ch <- c.rejected
	ch <- c.processed
	ch <- c.queued
	ch <- c.running
	ch <- c.workers
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools() {
		stats := p.Stats()
		name := p.Name()
		ch <- prometheus.MustNewConstMetric(c.scheduled, prometheus.CounterValue,
			float64(stats.Scheduled), name)
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue,
			float64(stats.Rejected), name)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue,
			float64(stats.Processed), name)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue,
			float64(stats.Queued), name)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue,
			float64(stats.Running), name)
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue,
			float64(stats.Workers), name)
	}
}
