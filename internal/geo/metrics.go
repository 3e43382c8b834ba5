package geo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_cache_lookups_total",
		Help: "Distance cache lookups grouped by hit or miss.",
	}, []string{"result"})

	singleflightShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geo_singleflight_shared_total",
		Help: "Callers served by another caller's in-flight upstream lookup.",
	})

	upstreamCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geo_upstream_calls_total",
		Help: "Requests sent to the distance provider, retries included.",
	})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_upstream_errors_total",
		Help: "Distance lookups that failed after retries, by error kind.",
	}, []string{"kind"})

	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geo_upstream_latency_seconds",
		Help:    "Distance provider call latency.",
		Buckets: prometheus.DefBuckets,
	})
)
