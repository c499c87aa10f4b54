package models

import (
	"fmt"
	"time"
)

// EscalationStep is one tier of a chain: after Delay without acknowledgment,
// the step's target is resolved and notified on the listed channels. Step
// order is semantically significant; the first element is the first tier.
type EscalationStep struct {
	Delay    time.Duration `json:"delay"`
	Target   TargetRef     `json:"target"`
	Channels []Channel     `json:"channels,omitempty"`
}

// EscalationChain re-routes unacknowledged high-priority notifications to
// successive recipient tiers.
type EscalationChain struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Conditions         []Condition `json:"conditions,omitempty"`
	Steps              []EscalationStep `json:"steps"`
	MaxEscalationLevel int         `json:"max_escalation_level"`
	Active             bool        `json:"active"`
	LastTriggered      *time.Time  `json:"last_triggered,omitempty"`
	TotalEscalations   int64       `json:"total_escalations"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (c EscalationChain) Validate() error {
	if c.Name == "" {
		return &ConfigurationError{Subject: "escalation chain", Reason: "name is required"}
	}
	if len(c.Steps) == 0 {
		return &ConfigurationError{Subject: c.Name, Reason: "at least one step is required"}
	}
	if c.MaxEscalationLevel < 1 {
		return &ConfigurationError{Subject: c.Name, Reason: "max_escalation_level must be >= 1"}
	}
	if c.MaxEscalationLevel > len(c.Steps) {
		return &ConfigurationError{Subject: c.Name, Reason: fmt.Sprintf("max_escalation_level %d exceeds %d steps", c.MaxEscalationLevel, len(c.Steps))}
	}
	for _, s := range c.Steps {
		if err := s.Target.Validate(); err != nil {
			return err
		}
		if s.Delay < 0 {
			return &ConfigurationError{Subject: c.Name, Reason: "step delay must not be negative"}
		}
	}
	for _, cond := range c.Conditions {
		if err := cond.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EscalationContext tracks escalation progress for one triggering context
// (correlation id). Level 0 means not yet escalated. Level is monotonically
// non-decreasing and never exceeds the chain's max level.
type EscalationContext struct {
	CorrelationID  string     `json:"correlation_id"`
	ChainID        string     `json:"chain_id"`
	Level          int        `json:"level"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Exhausted      bool       `json:"exhausted"`
	NextDue        time.Time  `json:"next_due"`
	Event          Event      `json:"event"`
	Priority       Priority   `json:"priority"`
	TemplateID     string     `json:"template_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
