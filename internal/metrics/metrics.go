// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classifications counts committed classification outcomes.
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrank_classifications_total",
			Help: "Classification runs by record source and result",
		},
		[]string{"source", "result"}, // result: written, unchanged, failed
	)

	// AIAttempts counts individual scorer attempts.
	AIAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrank_ai_attempts_total",
			Help: "AI scorer attempts by outcome",
		},
		[]string{"outcome"}, // ok, timeout, rate_limited, malformed, unavailable, canceled
	)

	AIAttemptLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inboxrank_ai_attempt_latency_seconds",
			Help:    "Latency of a single AI scorer attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	// AIDegraded counts emails whose AI retry budget ran out.
	AIDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxrank_ai_degraded_total",
			Help: "Emails that fell back to rule-only scoring",
		},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxrank_query_duration_seconds",
			Help:    "Natural-language query latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"mode"}, // structured, freetext, mixed
	)

	IndexRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxrank_index_repairs_total",
			Help: "Search documents rebuilt after an inconsistency was detected",
		},
	)
)

// RecordAIAttempt records one scorer attempt.
func RecordAIAttempt(outcome string, d time.Duration) {
	AIAttempts.WithLabelValues(outcome).Inc()
	AIAttemptLatency.Observe(d.Seconds())
}

// RecordQuery records the latency of one executed query.
func RecordQuery(mode string, d time.Duration) {
	QueryDuration.WithLabelValues(mode).Observe(d.Seconds())
}
