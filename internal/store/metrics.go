package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsnap_store_cache_hits_total",
		Help: "Cache lookups answered from memory",
	}, []string{"cache"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsnap_store_cache_misses_total",
		Help: "Cache lookups that went to disk or the diff chain",
	}, []string{"cache"})

	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsnap_store_cache_evictions_total",
		Help: "Entries dropped by generational trimming",
	}, []string{"cache"})

	cacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wsnap_store_cache_entries",
		Help: "Current number of cached entries",
	}, []string{"cache"})

	resolveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsnap_store_resolve_failures_total",
		Help: "Content resolutions that hit a broken chain or failed patch",
	})

	indexRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsnap_store_index_recoveries_total",
		Help: "Times the index was rebuilt from snapshot directories",
	})
)
