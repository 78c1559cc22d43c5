// Package prompts loads per-agent prompt templates from YAML and renders
// them with simple {{name}} substitution.
package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is one agent's prompt pair.
type Template struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
}

// Registry holds the templates keyed by agent name. Templates are loaded
// once at startup; edits require a restart.
type Registry struct {
	templates map[string]Template
}

// Load reads the registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from raw YAML.
func Parse(data []byte) (*Registry, error) {
	templates := make(map[string]Template)
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	for agent, tpl := range templates {
		if tpl.UserTemplate == "" {
			return nil, fmt.Errorf("prompts: agent %q has no user_template", agent)
		}
	}
	return &Registry{templates: templates}, nil
}

// Get returns the template for an agent.
func (r *Registry) Get(agent string) (Template, error) {
	tpl, ok := r.templates[agent]
	if !ok {
		return Template{}, fmt.Errorf("prompts: no template for agent %q", agent)
	}
	return tpl, nil
}

// Render substitutes {{name}} placeholders in the user template. Unknown
// placeholders are left in place so misconfigured templates surface in
// output rather than silently vanishing.
func (t Template) Render(vars map[string]string) string {
	return substitute(t.UserTemplate, vars)
}

// RenderSystem substitutes placeholders in the system prompt.
func (t Template) RenderSystem(vars map[string]string) string {
	return substitute(t.SystemPrompt, vars)
}

func substitute(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
