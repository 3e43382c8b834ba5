package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_quotes_total",
		Help: "Quote requests by result.",
	}, []string{"result"})

	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_reservations_total",
		Help: "Confirm requests by result.",
	}, []string{"result"})

	reserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_reserve_latency_seconds",
		Help:    "Latency of the atomic insert-if-no-overlap call.",
		Buckets: prometheus.DefBuckets,
	})

	sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_sweep_transitions_total",
		Help: "Bookings terminalized by the expiry sweep, by reason.",
	}, []string{"reason"})
)
