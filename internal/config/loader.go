package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults and validates a workflow from the given YAML file path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	return FromConfig(data)
}

// FromConfig parses workflow YAML, applies defaults and validates eagerly.
// Any problem is reported as a *ConfigError.
func FromConfig(data []byte) (*Workflow, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{
			Errors: []ValidationError{{Field: "workflow", Message: "parsing YAML: " + err.Error()}},
			Err:    err,
		}
	}

	wf := &f.Workflow
	applyDefaults(wf)
	if errs := Validate(wf); len(errs) > 0 {
		return nil, &ConfigError{Errors: errs}
	}
	return wf, nil
}

// LoadDefault searches for a workflow in standard locations and loads the
// first one found. Search order: ./workflow.yaml, ~/.tacx/workflow.yaml.
// When none exists the built-in workflow is returned.
func LoadDefault() (*Workflow, error) {
	candidates := []string{"workflow.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".tacx", "workflow.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// DefaultWorkflowYAML is the built-in four-stage workflow.
const DefaultWorkflowYAML = `workflow:
  name: tac-x
  version: "1"
  defaults:
    provider: anthropic
    model: claude-sonnet-4-5
    fallback: openai/gpt-5-codex
    temperature: 0.2
    timeout: 1h
  stages:
    - name: planning
      agent: planner
      model: claude-opus-4-1
      tools: [Read, Grep, Glob, Write]
    - name: building
      agent: builder
      tools: [Read, Grep, Glob, Write, Edit, Bash]
    - name: reviewing
      agent: reviewer
      model: claude-opus-4-1
      tools: [Read, Grep, Glob, Write, Bash]
    - name: pr_creation
      agent: pr-creator
      tools: [Read, Write, Bash]
`

// Default returns the built-in workflow.
func Default() *Workflow {
	wf, err := FromConfig([]byte(DefaultWorkflowYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in workflow is invalid: %v", err))
	}
	return wf
}

// applyDefaults merges workflow-level defaults into stages that don't set their own values.
func applyDefaults(wf *Workflow) {
	d := wf.Defaults
	for i := range wf.Stages {
		s := &wf.Stages[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Provider == "" {
			s.Provider = d.Provider
		}
		if s.Model == "" {
			s.Model = d.Model
		}
		if s.Fallback == "" {
			s.Fallback = d.Fallback
		}
		if s.Temperature == nil && d.Temperature != nil {
			t := *d.Temperature
			s.Temperature = &t
		}
		if s.MaxTokens == 0 {
			s.MaxTokens = d.MaxTokens
		}
		if s.Timeout == "" {
			s.Timeout = d.Timeout
		}
		// A fallback identical to the primary would only repeat the failure.
		if fb, ok := s.GetFallback(); ok && fb.Provider == s.Provider && fb.Model == s.Model {
			s.Fallback = ""
		}
	}
}

// GetStage returns the stage with the given name, or nil.
func (w *Workflow) GetStage(name string) *Stage {
	for i := range w.Stages {
		if w.Stages[i].Name == name {
			return &w.Stages[i]
		}
	}
	return nil
}

// StageNames returns stage names in declared order.
func (w *Workflow) StageNames() []string {
	names := make([]string, 0, len(w.Stages))
	for _, s := range w.Stages {
		names = append(names, s.Name)
	}
	return names
}

// Marshal renders the workflow back to YAML.
func (w *Workflow) Marshal() ([]byte, error) {
	return yaml.Marshal(File{Workflow: *w})
}
