package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reminder_outbox",
			Name:      "published_total",
			Help:      "Outbox events written to Kafka, by topic.",
		},
		[]string{"topic"},
	)

	publishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reminder_outbox",
			Name:      "publish_errors_total",
			Help:      "Outbox batches that failed to publish and will be retried.",
		},
	)

	backlogGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reminder_outbox",
			Name:      "backlog_events",
			Help:      "Unpublished outbox events.",
		},
	)

	lagGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reminder_outbox",
			Name:      "oldest_unpublished_age_seconds",
			Help:      "Age of the oldest unpublished outbox event.",
		},
	)

	purgedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reminder_outbox",
			Name:      "purged_total",
			Help:      "Published outbox events deleted by retention.",
		},
	)
)
