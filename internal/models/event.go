package models

import "time"

// Event is a normalized domain event: a type tag plus a flat attribute map.
// Producers are the platform's domain services (sample, storage, sequencing).
type Event struct {
	Type          string                 `json:"event_type"`
	Attributes    map[string]interface{} `json:"attributes"`
	SourceService string                 `json:"source_service"`
	SourceEventID string                 `json:"source_event_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ReceivedAt    time.Time              `json:"received_at"`
}

// DispatchIntent is an in-flight instruction to deliver a rendered message via
// one channel to one target, prior to Notification persistence. Channel may be
// empty, meaning each resolved recipient's preferred channel.
type DispatchIntent struct {
	RuleID            string
	Channel           Channel
	Target            TargetRef
	TemplateID        string
	Priority          Priority
	Immediate         bool
	Delay             time.Duration
	EscalationChainID string
	Event             Event
}
