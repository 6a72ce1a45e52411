// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package metrics exposes the cache's internal state as Prometheus
// gauges and counters, grounded in the teacher's own cache
// instrumentation in objectstore.go (cacheHits/cacheMisses CounterVecs
// registered once at cache-construction time).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cache bundles the gauges and counters internal/dispatcher updates as
// it drives an internal/cache.Cache. Gauges are set directly from the
// cache's own accounting (BytesUsed, entry counts); counters only ever
// increase. internal/dispatcher increments DownloadFailures; nothing in
// this repository increments Evictions.
type Cache struct {
	BytesUsed     prometheus.Gauge
	EntriesInUse  prometheus.Gauge
	EntriesInHeap prometheus.Gauge

	Evictions        prometheus.Counter
	DownloadFailures prometheus.Counter
}

// NewCache constructs a Cache's metrics, namespaced so multiple
// cache instances (unlikely in this system, but cheap to support)
// don't collide in a shared registry.
func NewCache(namespace string) *Cache {
	return &Cache{
		BytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes_used",
			Help:      "Total bytes occupied by extracted artifacts currently tracked by the cache.",
		}),
		EntriesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries_in_use",
			Help:      "Number of cache entries with at least one live Handle.",
		}),
		EntriesInHeap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries_in_heap",
			Help:      "Number of cache entries with zero live Handles, eligible for eviction.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries evicted to stay under the byte-usage goal.",
		}),
		DownloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_download_failures_total",
			Help:      "Total number of artifact download-and-extract attempts that failed.",
		}),
	}
}

// Register registers every metric with reg, matching the teacher's own
// one-shot prometheus.Register(...) calls in objectstore.go's cache
// initializer, but collected into a single call rather than repeated at
// each call site.
func (c *Cache) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		c.BytesUsed,
		c.EntriesInUse,
		c.EntriesInHeap,
		c.Evictions,
		c.DownloadFailures,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
