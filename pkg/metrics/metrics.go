package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records sign-in attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_auth_attempts_total",
			Help: "Total number of sign-in attempts",
		},
		[]string{"result"},
	)

	// Signups counts account registrations by result (success|conflict|failure).
	Signups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_signups_total",
			Help: "Total number of signup attempts",
		},
		[]string{"result"},
	)

	// TokensIssued counts issued access/refresh token pairs by trigger (signin|refresh).
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_tokens_issued_total",
			Help: "Total number of issued token pairs",
		},
		[]string{"trigger"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authgate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
