package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the governance subsystem. Registered on the
// default registry via promauto; scraped from /metrics.
var (
	// Cache metrics
	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govern_cache_operations_total",
		Help: "Cache operations by type and outcome",
	}, []string{"operation", "outcome"})

	CacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govern_cache_hit_rate",
		Help: "Cache hit rate since process start",
	})

	// Admission control metrics
	RateLimitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govern_ratelimit_decisions_total",
		Help: "Rate limit decisions by limit class and outcome",
	}, []string{"class", "outcome"})

	RateLimitStoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govern_ratelimit_store_errors_total",
		Help: "Backing store errors observed by the rate limiter (fail-open)",
	})

	// Connection registry metrics
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govern_connections_active",
		Help: "Current number of registered connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govern_connections_total",
		Help: "Total connections admitted since start",
	})

	ConnectionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govern_connection_rejections_total",
		Help: "Connection admissions rejected by quota",
	}, []string{"quota"})

	ConnectionsEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govern_connections_evicted_total",
		Help: "Connections removed by reason",
	}, []string{"reason"})

	BroadcastMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govern_broadcast_messages_total",
		Help: "Messages fanned out to room members",
	})

	// Resource registry metrics
	ResourcesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govern_resources_registered",
		Help: "Current number of registered resources",
	})

	// Memory monitor metrics
	MemoryRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govern_memory_rss_bytes",
		Help: "Resident set size from the last memory sample",
	})

	MemoryReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govern_memory_reclaims_total",
		Help: "Forced memory reclamation passes",
	})

	MemoryReclaimedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govern_memory_reclaimed_bytes_total",
		Help: "Bytes freed by forced reclamation passes",
	})

	// Scheduler metrics
	SchedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govern_scheduler_runs_total",
		Help: "Scheduler task iterations by task and outcome",
	}, []string{"task", "outcome"})
)
