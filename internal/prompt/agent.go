package prompt

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentTemplate describes a helper agent: its default model binding and
// system prompt.
type AgentTemplate struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	System      string `yaml:"-"`
}

var frontMatterDelim = []byte("---")

// ParseAgentTemplate reads a markdown file with YAML front matter.
// Files without front matter are treated as a bare system prompt.
func ParseAgentTemplate(name string, data []byte) (*AgentTemplate, error) {
	t := &AgentTemplate{Name: name}
	trimmed := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		t.System = strings.TrimSpace(string(data))
		return t, nil
	}

	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end == -1 {
		return nil, fmt.Errorf("agent template %q: unterminated front matter", name)
	}
	if err := yaml.Unmarshal(rest[:end], t); err != nil {
		return nil, fmt.Errorf("agent template %q: parse front matter: %w", name, err)
	}
	body := rest[end+1+len(frontMatterDelim):]
	t.System = strings.TrimSpace(string(body))
	if t.Name == "" {
		t.Name = name
	}
	return t, nil
}

// Agent loads a helper agent template by name.
func (l *Loader) Agent(name, workdir string) (*AgentTemplate, error) {
	raw, err := l.load("agents", name, workdir, builtinAgents)
	if err != nil {
		return nil, err
	}
	return ParseAgentTemplate(name, []byte(raw))
}
