// Package rules matches normalized events against stored routing rules and
// emits dispatch intents.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/store"
)

// Engine evaluates active rules against incoming events. Evaluation is
// read-only except for the per-rule trigger bookkeeping, which the store
// applies atomically.
type Engine struct {
	store  store.Store
	logger *logging.Logger
}

func New(st store.Store, logger *logging.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// Evaluate runs every active rule of the given type against the event, in
// execution order, and returns one dispatch intent per (channel, target) pair
// of each matching rule. A malformed rule is logged and skipped; it never
// aborts evaluation of the remaining rules.
func (e *Engine) Evaluate(ctx context.Context, ruleType models.RuleType, ev models.Event) []models.DispatchIntent {
	rules, err := e.store.ActiveRulesByType(ctx, ruleType)
	if err != nil {
		e.logger.Errorf("Failed to load %s rules: %v", ruleType, err)
		return nil
	}

	var intents []models.DispatchIntent
	for _, rule := range rules {
		matched, err := Matches(rule.Conditions, ev.Attributes)
		if err != nil {
			// Configuration error: skip this rule only.
			e.logger.Errorf("Rule %s (%s) skipped: %v", rule.ID, rule.Name, err)
			continue
		}
		if !matched {
			continue
		}

		if err := e.store.MarkRuleTriggered(ctx, rule.ID, time.Now()); err != nil {
			e.logger.Errorf("Rule %s trigger bookkeeping failed: %v", rule.ID, err)
		}
		expanded := expand(rule, ev)
		intents = append(intents, expanded...)
		e.logger.Infof("Rule %s (%s) matched event %s, %d intents", rule.ID, rule.Name, ev.SourceEventID, len(expanded))
	}
	return intents
}

// expand emits one intent per (channel, target) pair named by the rule's
// action. An action without channels emits one intent per target with the
// channel left open for the resolver's preference fallback.
func expand(rule models.Rule, ev models.Event) []models.DispatchIntent {
	channels := rule.Action.Channels
	if len(channels) == 0 {
		channels = []models.Channel{""}
	}
	var intents []models.DispatchIntent
	for _, target := range rule.Action.Targets {
		for _, ch := range channels {
			intents = append(intents, models.DispatchIntent{
				RuleID:            rule.ID,
				Channel:           ch,
				Target:            target,
				TemplateID:        rule.Action.TemplateID,
				Priority:          rule.Priority,
				Immediate:         rule.Action.Immediate,
				Delay:             rule.Action.Delay,
				EscalationChainID: rule.Action.EscalationChainID,
				Event:             ev,
			})
		}
	}
	return intents
}

// Matches evaluates an AND of clauses against event attributes.
func Matches(conds []models.Condition, attrs map[string]interface{}) (bool, error) {
	for _, c := range conds {
		ok, err := matchClause(c, attrs)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchClause(c models.Condition, attrs map[string]interface{}) (bool, error) {
	val, present := attrs[c.Field]
	if !present {
		return false, nil
	}

	switch c.Op {
	case models.OpEq:
		want, err := resolveOperand(c, attrs)
		if err != nil {
			return false, err
		}
		if lv, lok := toFloat(val); lok {
			if rv, rok := toFloat(want); rok {
				return lv == rv, nil
			}
		}
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", want), nil

	case models.OpIn:
		for _, member := range c.Values {
			if fmt.Sprintf("%v", val) == fmt.Sprintf("%v", member) {
				return true, nil
			}
		}
		return false, nil

	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		lv, ok := toFloat(val)
		if !ok {
			return false, &models.ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("attribute %v is not numeric", val)}
		}
		want, err := resolveOperand(c, attrs)
		if err != nil {
			return false, err
		}
		rv, ok := toFloat(want)
		if !ok {
			return false, &models.ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("operand %v is not numeric", want)}
		}
		switch c.Op {
		case models.OpGt:
			return lv > rv, nil
		case models.OpGte:
			return lv >= rv, nil
		case models.OpLt:
			return lv < rv, nil
		default:
			return lv <= rv, nil
		}

	case models.OpBetween:
		lv, ok := toFloat(val)
		if !ok {
			return false, &models.ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("attribute %v is not numeric", val)}
		}
		return lv >= c.Min && lv <= c.Max, nil

	default:
		return false, &models.ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("unknown operator %q", c.Op)}
	}
}

// resolveOperand returns the comparison operand: the referenced attribute when
// field_ref is set, the literal value otherwise.
func resolveOperand(c models.Condition, attrs map[string]interface{}) (interface{}, error) {
	if c.FieldRef == "" {
		return c.Value, nil
	}
	ref, ok := attrs[c.FieldRef]
	if !ok {
		return nil, &models.ConfigurationError{Subject: c.Field, Reason: fmt.Sprintf("referenced attribute %q missing from event", c.FieldRef)}
	}
	return ref, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
