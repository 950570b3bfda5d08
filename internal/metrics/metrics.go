// Package metrics exposes the router's Prometheus counters/histograms,
// registered with promauto the way the rest of the corpus wires metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waddlebot_router_events_processed_total",
		Help: "Total inbound events processed, labeled by platform and outcome",
	}, []string{"platform", "outcome"})

	CommandDispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waddlebot_router_command_dispatch_seconds",
		Help:    "Command dispatch latency by backend type",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waddlebot_router_rate_limit_rejections_total",
		Help: "Total requests rejected by the rate limiter",
	}, []string{"command_id"})

	CoordinationClaimsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waddlebot_router_coordination_claims_active",
		Help: "Active coordination claims by platform",
	}, []string{"platform"})

	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waddlebot_router_cache_hits_total",
		Help: "Cache lookups, labeled hit/miss",
	}, []string{"result"})
)

// ObserveDispatch records a command dispatch's latency against its backend kind.
func ObserveDispatch(backend string, start time.Time) {
	CommandDispatchLatency.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}
