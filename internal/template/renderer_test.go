package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/models"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	tmpl := models.Template{
		Name:            "freezer-alert",
		SubjectPattern:  "Freezer {{.equipment_id}} out of range",
		BodyPattern:     "Temperature is {{.current_temp}}C (threshold {{.threshold_temp}}C).",
		RichBodyPattern: "<b>{{.equipment_id}}</b>: {{.current_temp}}C",
		Variables:       []string{"equipment_id", "current_temp", "threshold_temp"},
	}
	ctx := map[string]interface{}{
		"equipment_id":   "FRZ-12",
		"current_temp":   7.5,
		"threshold_temp": 6.0,
	}

	out, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Freezer FRZ-12 out of range", out.Subject)
	assert.Equal(t, "Temperature is 7.5C (threshold 6C).", out.Body)
	assert.Equal(t, "<b>FRZ-12</b>: 7.5C", out.RichBody)
}

func TestRenderIsDeterministic(t *testing.T) {
	tmpl := models.Template{
		Name:           "digest",
		SubjectPattern: "Digest for {{.recipient_name}}",
		BodyPattern:    "{{.count}} events in {{.lab}}",
		Variables:      []string{"recipient_name", "count", "lab"},
	}
	ctx := map[string]interface{}{"recipient_name": "alice", "count": 3, "lab": "bio-3"}

	first, err := Render(tmpl, ctx)
	require.NoError(t, err)
	second, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRenderFailsClosedOnMissingDeclaredVariable(t *testing.T) {
	tmpl := models.Template{
		Name:           "strict",
		SubjectPattern: "s",
		BodyPattern:    "b",
		Variables:      []string{"equipment_id"},
	}
	_, err := Render(tmpl, map[string]interface{}{})
	var missing *MissingVariable
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "equipment_id", missing.Variable)
}

func TestRenderFailsClosedOnUndeclaredReference(t *testing.T) {
	// The pattern references a key absent from the context; no partial output.
	tmpl := models.Template{
		Name:           "sloppy",
		SubjectPattern: "ok",
		BodyPattern:    "value: {{.not_supplied}}",
	}
	_, err := Render(tmpl, map[string]interface{}{"other": 1})
	require.Error(t, err)
}

func TestRenderRejectsMalformedPattern(t *testing.T) {
	tmpl := models.Template{
		Name:           "broken",
		SubjectPattern: "{{.unclosed",
		BodyPattern:    "b",
	}
	_, err := Render(tmpl, map[string]interface{}{})
	require.Error(t, err)
}

func TestRenderSkipsEmptyRichBody(t *testing.T) {
	tmpl := models.Template{Name: "plain", SubjectPattern: "s", BodyPattern: "b"}
	out, err := Render(tmpl, nil)
	require.NoError(t, err)
	assert.Empty(t, out.RichBody)
}
