package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	SearchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Total number of federated searches by outcome",
		},
		[]string{"status"},
	)
	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "search_duration_seconds",
			Help:    "Duration of live federated searches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)
	TargetFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_target_failures_total",
			Help: "Per-target failures excluded from a merged response",
		},
		[]string{"reason"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_cache_total",
			Help: "Search result cache lookups by result",
		},
		[]string{"result"},
	)
	EnrichmentSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_enrichment_skipped_total",
			Help: "Enrichment calls skipped because the adapter failed or was unavailable",
		},
		[]string{"operation"},
	)
	PoolsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connection_pools_active",
			Help: "Number of live connection pools",
		},
	)
	ConnectionsDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connection_degraded_total",
			Help: "Number of times a connection was marked degraded",
		},
	)
)

// Collectors returns every metric of the service
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SearchRequests,
		SearchDuration,
		TargetFailures,
		CacheLookups,
		EnrichmentSkipped,
		PoolsActive,
		ConnectionsDegraded,
	}
}

func InitMetrics() {
	for _, c := range Collectors() {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}
