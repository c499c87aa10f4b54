package rules

import (
	"context"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/store"
)

func mkRule(t *testing.T, st *store.Memory, name string, order int, conds []models.Condition, action models.Action) models.Rule {
	t.Helper()
	if action.TemplateID == "" {
		action.TemplateID = "tmpl-1"
	}
	if len(action.Targets) == 0 {
		action.Targets = []models.TargetRef{{RecipientID: "rec-1"}}
	}
	r := &models.Rule{
		Name:           name,
		Type:           models.RuleAlertRouting,
		Conditions:     conds,
		Action:         action,
		Priority:       models.PriorityHigh,
		ExecutionOrder: order,
		Active:         true,
	}
	require.NoError(t, st.CreateRule(context.Background(), r))
	return *r
}

func TestEvaluateThresholdAgainstReferencedAttribute(t *testing.T) {
	st := store.NewMemory()
	e := New(st, logging.NewNop())

	mkRule(t, st, "freezer-over-threshold", 10, []models.Condition{
		{Field: "event_source", Op: models.OpEq, Value: "freezer_monitor"},
		{Field: "current_temp", Op: models.OpGt, FieldRef: "threshold_temp"},
	}, models.Action{})

	ev := models.Event{
		Type:          "threshold_breach",
		SourceEventID: "ev-1",
		Attributes: map[string]interface{}{
			"event_source":   "freezer_monitor",
			"current_temp":   7.5,
			"threshold_temp": 6.0,
		},
	}
	intents := e.Evaluate(context.Background(), models.RuleAlertRouting, ev)
	require.Len(t, intents, 1)
	assert.Equal(t, models.PriorityHigh, intents[0].Priority)

	ev.Attributes["current_temp"] = 5.9
	assert.Empty(t, e.Evaluate(context.Background(), models.RuleAlertRouting, ev))
}

func TestAllMatchingRulesFireIndependently(t *testing.T) {
	st := store.NewMemory()
	e := New(st, logging.NewNop())

	cond := []models.Condition{{Field: "severity", Op: models.OpEq, Value: "high"}}
	first := mkRule(t, st, "notify-ops", 10, cond, models.Action{})
	second := mkRule(t, st, "notify-compliance", 20, cond, models.Action{})

	ev := models.Event{Attributes: map[string]interface{}{"severity": "high"}}
	intents := e.Evaluate(context.Background(), models.RuleAlertRouting, ev)
	require.Len(t, intents, 2)
	assert.Equal(t, first.ID, intents[0].RuleID)
	assert.Equal(t, second.ID, intents[1].RuleID)

	// Both rules keep their trigger bookkeeping.
	for _, id := range []string{first.ID, second.ID} {
		r, err := st.GetRule(context.Background(), id)
		require.NoError(t, err)
		assert.EqualValues(t, 1, r.TriggerCount)
		assert.NotNil(t, r.LastTriggered)
	}
}

func TestMalformedRuleIsSkippedNotFatal(t *testing.T) {
	st := store.NewMemory()
	e := New(st, logging.NewNop())

	// field_ref points at an attribute the event does not carry; evaluating
	// this rule is a configuration error.
	mkRule(t, st, "broken", 10, []models.Condition{
		{Field: "current_temp", Op: models.OpGt, FieldRef: "no_such_attr"},
	}, models.Action{})
	healthy := mkRule(t, st, "healthy", 20, []models.Condition{
		{Field: "current_temp", Op: models.OpGt, Value: 5.0},
	}, models.Action{})

	ev := models.Event{Attributes: map[string]interface{}{"current_temp": 9.0}}
	intents := e.Evaluate(context.Background(), models.RuleAlertRouting, ev)
	require.Len(t, intents, 1)
	assert.Equal(t, healthy.ID, intents[0].RuleID)

	got, _ := st.GetRule(context.Background(), healthy.ID)
	assert.EqualValues(t, 1, got.TriggerCount)
}

func TestExpandEmitsPerChannelTargetPair(t *testing.T) {
	st := store.NewMemory()
	e := New(st, logging.NewNop())

	mkRule(t, st, "fan-out", 10, nil, models.Action{
		Channels: []models.Channel{models.ChannelEmail, models.ChannelSMS},
		Targets: []models.TargetRef{
			{RecipientID: "rec-1"},
			{GroupID: "grp-1"},
		},
	})

	intents := e.Evaluate(context.Background(), models.RuleAlertRouting, models.Event{Attributes: map[string]interface{}{}})
	require.Len(t, intents, 4)
}

func TestMatchLogReportsPerRuleIntentCount(t *testing.T) {
	st := store.NewMemory()
	logger := logging.NewNop()
	hook := &logtest.Hook{}
	logger.AddHook(hook)
	e := New(st, logger)

	cond := []models.Condition{{Field: "severity", Op: models.OpEq, Value: "high"}}
	mkRule(t, st, "notify-ops", 10, cond, models.Action{})
	mkRule(t, st, "notify-compliance", 20, cond, models.Action{})

	ev := models.Event{SourceEventID: "ev-9", Attributes: map[string]interface{}{"severity": "high"}}
	intents := e.Evaluate(context.Background(), models.RuleAlertRouting, ev)
	require.Len(t, intents, 2)

	// Each rule expands to a single intent; its match log must say so rather
	// than report the running total across rules.
	var matchLogs []string
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, "matched event") {
			matchLogs = append(matchLogs, entry.Message)
		}
	}
	require.Len(t, matchLogs, 2)
	for _, msg := range matchLogs {
		assert.Contains(t, msg, "1 intents")
	}
}

func TestMatchesOperators(t *testing.T) {
	attrs := map[string]interface{}{
		"lab":      "bio-3",
		"temp":     21.4,
		"humidity": 40,
		"status":   "alarm",
	}

	cases := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq string", models.Condition{Field: "lab", Op: models.OpEq, Value: "bio-3"}, true},
		{"eq numeric across types", models.Condition{Field: "humidity", Op: models.OpEq, Value: 40.0}, true},
		{"in", models.Condition{Field: "status", Op: models.OpIn, Values: []interface{}{"warn", "alarm"}}, true},
		{"in miss", models.Condition{Field: "status", Op: models.OpIn, Values: []interface{}{"ok"}}, false},
		{"gte boundary", models.Condition{Field: "temp", Op: models.OpGte, Value: 21.4}, true},
		{"lt", models.Condition{Field: "temp", Op: models.OpLt, Value: 21.0}, false},
		{"between inclusive", models.Condition{Field: "temp", Op: models.OpBetween, Min: 20, Max: 21.4}, true},
		{"between outside", models.Condition{Field: "temp", Op: models.OpBetween, Min: 0, Max: 10}, false},
		{"absent attribute never matches", models.Condition{Field: "pressure", Op: models.OpGt, Value: 1.0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Matches([]models.Condition{tc.cond}, attrs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchesNonNumericComparisonIsError(t *testing.T) {
	_, err := Matches([]models.Condition{
		{Field: "lab", Op: models.OpGt, Value: 5.0},
	}, map[string]interface{}{"lab": "bio-3"})
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
