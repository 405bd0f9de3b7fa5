// SPDX-License-Identifier: MIT

// Package metrics holds the prometheus collectors shared across the daemon.
// Collectors are registered once via promauto; callers import the vars
// directly rather than threading a registry through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "namegnome"

var (
	// ProviderRequests counts outbound provider calls by operation and
	// terminal status (ok, error, rate_limited, not_found).
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total outbound provider requests",
		},
		[]string{"provider", "operation", "status"},
	)

	// ProviderLatency observes wall time per provider call, retries included.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Provider request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// CacheHits / CacheMisses track read-through cache effectiveness by kind
	// (entity, episodes, tracks, blob).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache read-through hits",
		},
		[]string{"kind"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache read-through misses",
		},
		[]string{"kind"},
	)

	// RateLimitWait observes time spent blocked on per-provider token buckets.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for provider rate-limit tokens",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	// ApplyItems counts apply outcomes (committed, skipped, failed,
	// rolled_back, rollback_skipped).
	ApplyItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_items_total",
			Help:      "Apply item outcomes",
		},
		[]string{"status"},
	)

	// LLMRequests counts anthology-assist calls by status (ok, schema_violation,
	// unavailable).
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM assist requests",
		},
		[]string{"status"},
	)

	// PlansBuilt counts completed planning passes by media type.
	PlansBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_built_total",
			Help:      "Completed planning passes",
		},
		[]string{"media_type"},
	)
)
