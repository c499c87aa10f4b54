package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications created by the dispatch pipeline",
		},
		[]string{"channel", "priority"},
	)

	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_send_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notification_send_duration_seconds",
			Help: "Provider send call duration",
		},
		[]string{"channel"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_rate_limit_denials_total",
			Help: "Admission denials by the channel rate limiter",
		},
		[]string{"channel"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Escalation level advances by chain",
		},
		[]string{"chain"},
	)

	EscalationsExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_exhausted_total",
			Help: "Escalation contexts that reached max level unacknowledged",
		},
		[]string{"chain"},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Domain events accepted for rule evaluation",
		},
		[]string{"event_type", "source"},
	)
)
