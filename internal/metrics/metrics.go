// Package metrics defines StoreSync's prometheus instrumentation,
// following the teacher's module-level promauto.NewXxx(...) declaration
// style from cmd/api/main.go and cmd/worker/main.go. Every metric here
// is StoreSync-domain (sync runs, rate limiting, adaptive batching,
// circuit breakers) rather than the teacher's generic HTTP/messaging
// counters, which had no home once the product-CRUD surface was removed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal counts completed SyncEngine runs by store, mode and
	// outcome (success/error/partial).
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_sync_runs_total",
		Help: "Total number of completed sync runs by store and outcome",
	}, []string{"store", "mode", "outcome"})

	// SyncRunDuration observes wall-clock duration of a full run.
	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storesync_sync_run_duration_seconds",
		Help:    "Duration of a sync run from state load to final persistence",
		Buckets: prometheus.DefBuckets,
	}, []string{"store", "mode"})

	// ItemsPushedTotal and InventoryPushedTotal count individual SKU
	// updates successfully acknowledged by the marketplace.
	ItemsPushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_items_pushed_total",
		Help: "Total item (price/enabled) updates pushed to the marketplace",
	}, []string{"store"})

	InventoryPushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_inventory_pushed_total",
		Help: "Total inventory updates pushed to the marketplace",
	}, []string{"store"})

	// ConsecutiveFailures mirrors the health verdict's per-store streak
	// (spec.md §7): reset to 0 on any success, incremented on failure.
	ConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storesync_consecutive_failures",
		Help: "Consecutive failed sync runs for a store",
	}, []string{"store"})

	// RateLimitHitsTotal counts 429 responses observed per venue.
	RateLimitHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_rate_limit_hits_total",
		Help: "Total 429 rate-limit responses observed from the marketplace",
	}, []string{"venue"})

	// AdaptiveBatchSize reports the AdaptiveBatcher's current batch size
	// per venue, sampled after every OnBatchSuccess/OnBatchFailure call.
	AdaptiveBatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storesync_adaptive_batch_size",
		Help: "Current adaptive batch size for a venue",
	}, []string{"venue"})

	// CircuitBreakerState exposes breaker.State as a gauge: 0=closed,
	// 1=half-open, 2=open, mapped from the state's string form by
	// BreakerStateValue (breaker.State's own iota order differs).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storesync_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"breaker"})

	// BackgroundWorkerRemaining tracks the remaining (not yet synced) SKU
	// count the BackgroundWorker writes to its progress file (spec.md §4.8).
	BackgroundWorkerRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storesync_background_worker_remaining_skus",
		Help: "SKUs not yet confirmed synced to the marketplace, per store",
	}, []string{"store"})

	// SoTRequestDuration and MarketplaceRequestDuration separate the two
	// upstream dependencies so a single slow dependency is visible
	// without guessing from aggregate latency.
	SoTRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storesync_sot_request_duration_seconds",
		Help:    "Duration of a single SoT HTTP request",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	MarketplaceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storesync_marketplace_request_duration_seconds",
		Help:    "Duration of a single marketplace HTTP request",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// BreakerStateValue converts the breaker package's lazily-reported
// State into the gauge encoding documented on CircuitBreakerState.
// Defined here rather than in internal/breaker so breaker stays free
// of a prometheus import — only the wiring layer needs the mapping.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
