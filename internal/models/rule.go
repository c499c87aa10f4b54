package models

import (
	"fmt"
	"time"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq      Operator = "eq"
	OpIn      Operator = "in"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpBetween Operator = "between"
)

// Condition is one clause of a rule predicate: a structural match of a single
// event attribute. A rule matches iff every clause matches (logical AND).
// FieldRef names a second attribute to compare against instead of a literal,
// e.g. current_temp > threshold_temp.
type Condition struct {
	Field    string        `json:"field"`
	Op       Operator      `json:"op"`
	Value    interface{}   `json:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty"`
	FieldRef string        `json:"field_ref,omitempty"`
	Min      float64       `json:"min,omitempty"`
	Max      float64       `json:"max,omitempty"`
}

// Validate checks the clause structure. Rules are validated at save time so
// evaluation can assume well-formed predicates; an unknown operator reaching
// evaluation is still handled as a configuration error.
func (c Condition) Validate() error {
	if c.Field == "" {
		return &ConfigurationError{Subject: "condition", Reason: "missing field"}
	}
	switch c.Op {
	case OpEq:
		if c.Value == nil && c.FieldRef == "" {
			return &ConfigurationError{Subject: c.Field, Reason: "eq requires a value or field_ref"}
		}
	case OpIn:
		if len(c.Values) == 0 {
			return &ConfigurationError{Subject: c.Field, Reason: "in requires a non-empty value set"}
		}
	case OpGt, OpGte, OpLt, OpLte:
		if c.Value == nil && c.FieldRef == "" {
			return &ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("%s requires a numeric value or field_ref", c.Op)}
		}
	case OpBetween:
		if c.Min > c.Max {
			return &ConfigurationError{Subject: c.Field, Reason: "between requires min <= max"}
		}
	default:
		return &ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("unknown operator %q", c.Op)}
	}
	return nil
}

// TargetRef names either a single recipient or a group. Exactly one side is
// set.
type TargetRef struct {
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
}

func (t TargetRef) Validate() error {
	if (t.RecipientID == "") == (t.GroupID == "") {
		return &ConfigurationError{Subject: "target", Reason: "exactly one of recipient_id or group_id must be set"}
	}
	return nil
}

// Action describes what a matching rule dispatches: the channels to use, the
// recipients or groups to address, the template to render, and timing.
// An empty Channels list means each recipient's preferred channel.
type Action struct {
	Channels          []Channel     `json:"channels,omitempty"`
	Targets           []TargetRef   `json:"targets"`
	TemplateID        string        `json:"template_id"`
	Immediate         bool          `json:"immediate,omitempty"`
	Delay             time.Duration `json:"delay,omitempty"`
	EscalationChainID string        `json:"escalation_chain_id,omitempty"`
}

func (a Action) Validate() error {
	if len(a.Targets) == 0 {
		return &ConfigurationError{Subject: "action", Reason: "at least one target is required"}
	}
	for _, t := range a.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, ch := range a.Channels {
		if !ch.Valid() {
			return &ConfigurationError{Subject: "action", Reason: fmt.Sprintf("unknown channel %q", ch)}
		}
	}
	if a.TemplateID == "" {
		return &ConfigurationError{Subject: "action", Reason: "template_id is required"}
	}
	return nil
}

// Rule routes events to notifications. Rules are evaluated in execution_order
// (lower first, creation time breaking ties); all matching active rules fire
// independently.
type Rule struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Type           RuleType    `json:"type"`
	Conditions     []Condition `json:"conditions"`
	Action         Action      `json:"action"`
	Priority       Priority    `json:"priority"`
	ExecutionOrder int         `json:"execution_order"`
	Active         bool        `json:"active"`
	LastTriggered  *time.Time  `json:"last_triggered,omitempty"`
	TriggerCount   int64       `json:"trigger_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Validate enforces structure at save time per the typed-predicate design.
func (r Rule) Validate() error {
	if r.Name == "" {
		return &ConfigurationError{Subject: "rule", Reason: "name is required"}
	}
	if !r.Type.Valid() {
		return &ConfigurationError{Subject: r.Name, Reason: fmt.Sprintf("unknown rule type %q", r.Type)}
	}
	if r.ExecutionOrder <= 0 {
		return &ConfigurationError{Subject: r.Name, Reason: "execution_order must be a positive integer"}
	}
	if !r.Priority.Valid() {
		return &ConfigurationError{Subject: r.Name, Reason: fmt.Sprintf("unknown priority %q", r.Priority)}
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return r.Action.Validate()
}
