// Package monitoring exposes the prometheus metrics the matchmaking core
// reports. Services push; the /metrics endpoint scrapes the default
// registry.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sixmans_queue_waiting",
			Help: "Participants currently waiting per queue",
		},
		[]string{"queue"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sixmans_queue_operations_total",
			Help: "Queue join/leave/expire operations by outcome",
		},
		[]string{"operation", "status"},
	)

	matchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sixmans_matches_active",
			Help: "Matches currently tracked by the registry",
		},
	)

	matchesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sixmans_matches_created_total",
			Help: "Matches formed per queue",
		},
		[]string{"queue"},
	)

	matchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sixmans_matches_completed_total",
			Help: "Matches completed per queue",
		},
		[]string{"queue"},
	)

	formationFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sixmans_formation_fallbacks_total",
			Help: "Degraded formation outcomes (pick timeouts, unreachable captains)",
		},
		[]string{"reason"},
	)

	ratingDelta = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sixmans_rating_delta_magnitude",
			Help:    "Absolute rating change per participant per match",
			Buckets: prometheus.LinearBuckets(15, 25, 8),
		},
	)
)

func SetQueueWaiting(queue string, n int) {
	queueWaiting.WithLabelValues(queue).Set(float64(n))
}

func QueueOperation(operation, status string) {
	queueOperations.WithLabelValues(operation, status).Inc()
}

func MatchOpened(queue string) {
	matchesCreated.WithLabelValues(queue).Inc()
	matchesActive.Inc()
}

func MatchClosed() {
	matchesActive.Dec()
}

// MatchRestored bumps the active gauge for a match recovered from the
// store without counting it as newly created.
func MatchRestored() {
	matchesActive.Inc()
}

func MatchCompleted(queue string) {
	matchesCompleted.WithLabelValues(queue).Inc()
}

func FormationFallback(reason string) {
	formationFallbacks.WithLabelValues(reason).Inc()
}

func ObserveRatingDelta(delta int) {
	if delta < 0 {
		delta = -delta
	}
	ratingDelta.Observe(float64(delta))
}
