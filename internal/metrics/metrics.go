// Package metrics provides Prometheus metrics for the Orchard server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchard_sessions_active",
			Help: "Number of currently joined sessions",
		},
	)

	locksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchard_locks_held",
			Help: "Number of document locks currently held",
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchard_messages_total",
			Help: "Total protocol messages processed, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	broadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_broadcasts_total",
			Help: "Total broadcast operations",
		},
	)

	broadcastRecipients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_broadcast_recipients_total",
			Help: "Total messages delivered by broadcast",
		},
	)

	droppedSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_dropped_sends_total",
			Help: "Messages dropped because a session was unreachable",
		},
	)

	treeBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchard_tree_build_duration_seconds",
			Help:    "Time to rebuild a workspace tree snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	authAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchard_auth_attempts_total",
			Help: "Join authentication attempts",
		},
		[]string{"success"},
	)
)

// SetSessionsActive updates the live session gauge.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// SetLocksHeld updates the held-locks gauge.
func SetLocksHeld(n int) {
	locksHeld.Set(float64(n))
}

// RecordMessage records a processed protocol message.
func RecordMessage(msgType, outcome string) {
	messagesTotal.WithLabelValues(msgType, outcome).Inc()
}

// RecordBroadcast records one broadcast with its recipient count.
func RecordBroadcast(recipients int) {
	broadcastsTotal.Inc()
	broadcastRecipients.Add(float64(recipients))
}

// RecordDroppedSend records a message dropped for an unreachable session.
func RecordDroppedSend() {
	droppedSends.Inc()
}

// ObserveTreeBuild records the duration of a tree rebuild.
func ObserveTreeBuild(d time.Duration) {
	treeBuildDuration.Observe(d.Seconds())
}

// RecordAuthAttempt records a join authentication attempt.
func RecordAuthAttempt(success bool) {
	if success {
		authAttempts.WithLabelValues("true").Inc()
	} else {
		authAttempts.WithLabelValues("false").Inc()
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
