package models

import (
	"time"
)

// Notification is one deliverable message: one (rule, recipient, channel)
// tuple produced by the pipeline. The delivery tracker is the sole writer of
// Status and RetryCount.
type Notification struct {
	ID            string     `json:"id"`
	TemplateID    string     `json:"template_id,omitempty"`
	RuleID        string     `json:"rule_id,omitempty"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	RichBody      string     `json:"rich_body,omitempty"`
	Priority      Priority   `json:"priority"`
	Channel       Channel    `json:"channel"`
	RecipientID   string     `json:"recipient_id"`
	Address       string     `json:"address"`
	Status        Status     `json:"status"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	CorrelationID string     `json:"correlation_id"`
	SourceService string     `json:"source_service,omitempty"`
	SourceEventID string     `json:"source_event_id,omitempty"`
	ProviderID    string     `json:"provider_id,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DeliveryAttempt is one append-only audit row per send attempt. Rows are
// written exactly once and never mutated.
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	NotificationID string        `json:"notification_id"`
	AttemptNumber  int           `json:"attempt_number"`
	Channel        Channel       `json:"channel"`
	Address        string        `json:"address"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         AttemptStatus `json:"status"`
	ResponseCode   int           `json:"response_code,omitempty"`
	ResponseText   string        `json:"response_text,omitempty"`
	Latency        time.Duration `json:"latency"`
	ProviderID     string        `json:"provider_id,omitempty"`
}

// HealthCheck is the last recorded provider health probe for a channel.
type HealthCheck struct {
	At      time.Time `json:"at"`
	Healthy bool      `json:"healthy"`
	Detail  string    `json:"detail,omitempty"`
}

// ChannelConfiguration carries per-channel provider settings, rate limits and
// the ordered retry backoff schedule (first element = first retry).
type ChannelConfiguration struct {
	Channel            Channel                `json:"channel"`
	Provider           string                 `json:"provider"`
	Settings           map[string]interface{} `json:"settings,omitempty"`
	RateLimitPerMinute int                    `json:"rate_limit_per_minute"`
	RateLimitPerHour   int                    `json:"rate_limit_per_hour"`
	Timeout            time.Duration          `json:"timeout"`
	RetryIntervals     []time.Duration        `json:"retry_intervals"`
	Enabled            bool                   `json:"enabled"`
	LastHealthCheck    *HealthCheck           `json:"last_health_check,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Validate enforces the per-hour >= per-minute invariant.
func (c ChannelConfiguration) Validate() error {
	if !c.Channel.Valid() {
		return &ConfigurationError{Subject: string(c.Channel), Reason: "unknown channel"}
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitPerHour <= 0 {
		return &ConfigurationError{Subject: string(c.Channel), Reason: "rate limits must be positive"}
	}
	if c.RateLimitPerHour < c.RateLimitPerMinute {
		return &ConfigurationError{Subject: string(c.Channel), Reason: "per-hour rate limit must be >= per-minute"}
	}
	return nil
}

// MaxRetries derives the retry budget from the configured backoff schedule.
func (c ChannelConfiguration) MaxRetries() int {
	return len(c.RetryIntervals)
}
