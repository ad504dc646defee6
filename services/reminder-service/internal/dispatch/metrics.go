package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reminder_dispatch",
			Name:      "claimed_total",
			Help:      "Reminders claimed for dispatch.",
		},
	)

	releasedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reminder_dispatch",
			Name:      "stale_claims_released_total",
			Help:      "Dispatching reminders returned to pending after the claim lease expired.",
		},
	)

	// outcome: sent, retry, failed, skipped, late_send
	attemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reminder_dispatch",
			Name:      "attempts_total",
			Help:      "Send attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	sendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reminder_dispatch",
			Name:      "provider_send_duration_seconds",
			Help:      "Duration of channel adapter sends.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	escalationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reminder_dispatch",
			Name:      "escalations_total",
			Help:      "Escalation reminders created after a terminal failure.",
		},
		[]string{"channel"},
	)

	escalationRetriesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reminder_dispatch",
			Name:      "escalation_retries_total",
			Help:      "Failed reminders whose escalation was picked up again by the sweep.",
		},
	)
)
