// Package metrics exposes prometheus collectors for the file caches and the
// per-origin synchronizers. Served from the admin listener at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	CacheHits = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "subdaap_cache_hits_total",
		Help: "Cache entries served from local disk.",
	}, []string{"cache"})

	CacheMisses = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "subdaap_cache_misses_total",
		Help: "Cache entries fetched from a Subsonic origin.",
	}, []string{"cache"})

	CacheEvictions = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "subdaap_cache_evictions_total",
		Help: "Cache files removed by the eviction pass.",
	}, []string{"cache"})

	CacheSize = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "subdaap_cache_size_bytes",
		Help: "Bytes currently accounted to non-permanent cache entries.",
	}, []string{"cache"})

	SyncPasses = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "subdaap_sync_passes_total",
		Help: "Completed synchronization passes per origin.",
	}, []string{"origin"})

	SyncRowsChanged = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "subdaap_sync_rows_changed_total",
		Help: "Catalog rows inserted, updated or deleted by sync passes.",
	}, []string{"origin"})

	RemoteErrors = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "subdaap_remote_errors_total",
		Help: "Failed requests to Subsonic origins.",
	}, []string{"origin"})
)

// Handler returns the HTTP handler serving the package registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
