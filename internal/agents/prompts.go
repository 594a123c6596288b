package agents

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is a rendered system and user message pair.
type Prompt struct {
	System string
	User   string
}

type promptTemplates struct {
	system *template.Template
	user   *template.Template
}

// PromptCatalog holds the parsed prompt templates keyed by name.
type PromptCatalog struct {
	prompts map[string]promptTemplates
}

var promptFuncs = template.FuncMap{
	"add": func(a, b int) int { return a + b },
	"truncate": func(s string, n int) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n]) + "..."
	},
}

// DefaultPrompts parses the embedded catalog.
func DefaultPrompts() (*PromptCatalog, error) {
	return ParsePrompts(defaultPrompts)
}

// ParsePrompts parses a YAML catalog of name -> {system, user} templates.
func ParsePrompts(data []byte) (*PromptCatalog, error) {
	var raw map[string]struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing prompt catalog: %w", err)
	}

	c := &PromptCatalog{prompts: make(map[string]promptTemplates, len(raw))}
	for name, p := range raw {
		if strings.TrimSpace(p.User) == "" {
			return nil, fmt.Errorf("prompt %q: user template is empty", name)
		}
		sys, err := template.New(name + ".system").Funcs(promptFuncs).Option("missingkey=error").Parse(p.System)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", name, err)
		}
		usr, err := template.New(name + ".user").Funcs(promptFuncs).Option("missingkey=error").Parse(p.User)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", name, err)
		}
		c.prompts[name] = promptTemplates{system: sys, user: usr}
	}
	return c, nil
}

// Render executes the named prompt with data.
func (c *PromptCatalog) Render(name string, data any) (Prompt, error) {
	p, ok := c.prompts[name]
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt %q", name)
	}
	var sys, usr strings.Builder
	if err := p.system.Execute(&sys, data); err != nil {
		return Prompt{}, fmt.Errorf("rendering %s system prompt: %w", name, err)
	}
	if err := p.user.Execute(&usr, data); err != nil {
		return Prompt{}, fmt.Errorf("rendering %s user prompt: %w", name, err)
	}
	return Prompt{System: strings.TrimSpace(sys.String()), User: strings.TrimSpace(usr.String())}, nil
}
