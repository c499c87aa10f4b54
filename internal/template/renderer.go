// Package template renders notification subjects and bodies from stored
// templates. Rendering is a pure function of (template version, context), so
// retries reproduce byte-identical output.
package template

import (
	"bytes"
	"fmt"
	texttemplate "text/template"

	"lab-notification-service/internal/models"
)

// Rendered is the renderer output.
type Rendered struct {
	Subject  string
	Body     string
	RichBody string
}

// MissingVariable is returned when a declared template variable is absent from
// the context. The render fails closed; no partial output is ever delivered.
type MissingVariable struct {
	Template string
	Variable string
}

func (e *MissingVariable) Error() string {
	return fmt.Sprintf("template %s: missing required variable %q", e.Template, e.Variable)
}

// Render produces the subject, body and optional rich body for the template
// with the given context. Every variable declared on the template must be
// present in the context.
func Render(t models.Template, context map[string]interface{}) (Rendered, error) {
	for _, name := range t.Variables {
		if _, ok := context[name]; !ok {
			return Rendered{}, &MissingVariable{Template: t.Name, Variable: name}
		}
	}

	subject, err := renderOne(t.Name+":subject", t.SubjectPattern, context)
	if err != nil {
		return Rendered{}, err
	}
	body, err := renderOne(t.Name+":body", t.BodyPattern, context)
	if err != nil {
		return Rendered{}, err
	}
	out := Rendered{Subject: subject, Body: body}
	if t.RichBodyPattern != "" {
		rich, err := renderOne(t.Name+":rich_body", t.RichBodyPattern, context)
		if err != nil {
			return Rendered{}, err
		}
		out.RichBody = rich
	}
	return out, nil
}

func renderOne(name, pattern string, context map[string]interface{}) (string, error) {
	tmpl, err := texttemplate.New(name).Option("missingkey=error").Parse(pattern)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, context); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
