package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverwatch_cache_lookups_total",
			Help: "Cache lookups by outcome (hit, miss, coalesced, stale)",
		},
		[]string{"cache", "outcome"},
	)

	CacheFetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverwatch_cache_fetch_errors_total",
			Help: "Fetches that failed and were propagated to waiters",
		},
		[]string{"cache"},
	)

	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverwatch_source_requests_total",
			Help: "Outbound requests to external data sources",
		},
		[]string{"source", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riverwatch_source_latency_seconds",
			Help:    "Outbound request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SnapshotEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riverwatch_snapshot_entries",
			Help: "Cache entries written by the last snapshot save",
		},
	)
)
