package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_requests_total",
		Help: "Total number of requests seen by the governance pipeline",
	}, []string{"status", "route"})
	requestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_request_duration_seconds",
		Help:    "Duration of governed requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	cacheOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_cache_outcomes_total",
		Help: "Cache outcomes for requests evaluated against the response cache",
	}, []string{"outcome"})
	providerTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_provider_tokens",
		Help:    "Tokens charged per request, by provider and direction",
		Buckets: prometheus.ExponentialBuckets(16, 2, 12),
	}, []string{"provider", "direction"})
)
