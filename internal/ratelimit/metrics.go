package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Rate limit decisions grouped by route class and outcome.",
	}, []string{"route_class", "allowed"})

	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_degraded_total",
		Help: "Admissions decided without the bucket store.",
	}, []string{"route_class", "fail_open"})

	evictedBuckets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_buckets_evicted_total",
		Help: "In-memory buckets removed after their window elapsed.",
	})
)
