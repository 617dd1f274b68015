package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Sensor {{.EventLabel}}]
{{ if .Device }}Device: {{.Device}}
{{ end }}{{ if .Issue }}Issue: {{.Issue}}
{{ end }}Message: {{.Message}}
{{ if .Tag }}Reason: {{.Tag}}
{{ end }}Time: {{.Time}}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Device     string
	Issue      string
	Tag        string
	Message    string
	Time       string
	Suggestion string
	Event      string
	EventLabel string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("status-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("status template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
