package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Every attempt is independently observable even though only the terminal
// outcome is returned to the caller. Operators retune provider rankings
// from this failure data.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoffd_provider_attempts_total",
		Help: "Provider attempts by provider ID and outcome (accepted, error, timeout, invalid).",
	}, []string{"provider", "outcome"})

	attemptSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handoffd_provider_attempt_seconds",
		Help:    "Provider attempt duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"provider"})
)

func observeAttempt(provider, outcome string, d time.Duration) {
	attemptsTotal.WithLabelValues(provider, outcome).Inc()
	attemptSeconds.WithLabelValues(provider).Observe(d.Seconds())
}
