package prompt

import (
	"strings"
	"text/template"
)

// System prompt templates. Compiled once at package init; Render merges
// the default variables with per-call overrides.

const defaultSystemTemplate = `You are {{.AppName}}, a professional assistant for the Mentor AI platform.
You are good at answering questions about model training, deployment, distributed tracing and data management.
Answer in a professional but approachable tone.
If you are not sure about an answer, say so honestly instead of making things up.
{{if .UserName}}Current user: {{.UserName}}.{{end}}`

// TemplateVars are the variables available to system prompt templates
type TemplateVars struct {
	AppName  string
	UserName string
}

// DefaultVars returns the default template variables
func DefaultVars() TemplateVars {
	return TemplateVars{AppName: "Mentor AI"}
}

// DefaultSystemTemplate is the system preamble used when no template is supplied
var DefaultSystemTemplate = template.Must(template.New("system").Parse(defaultSystemTemplate))

// RenderSystemPrompt renders a system preamble from the template and variables
func RenderSystemPrompt(tpl *template.Template, vars TemplateVars) (string, error) {
	if tpl == nil {
		tpl = DefaultSystemTemplate
	}
	if vars.AppName == "" {
		vars.AppName = DefaultVars().AppName
	}

	var sb strings.Builder
	if err := tpl.Execute(&sb, vars); err != nil {
		return "", err
	}
	return sb.String(), nil
}
