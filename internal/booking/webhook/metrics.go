package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_results_total",
		Help: "Webhook deliveries by outcome and reason.",
	}, []string{"outcome", "reason"})

	webhookLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_webhook_latency_seconds",
		Help:    "Time spent handling one webhook delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_webhook_version_conflicts_total",
		Help: "Booking version conflicts observed while applying webhooks.",
	})
)
