package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/tacx/internal/config"
)

// Request is a provider-agnostic description of one agent call.
type Request struct {
	Provider string
	Model    string
	Prompt   string
	System   string
	Tools    []string
	Dir      string
	Timeout  time.Duration
	OneShot  bool // single JSON reply instead of a streamed session
}

// Providers turns requests into concrete CLI commands.
type Providers struct {
	overrides map[string]config.ProviderCommand
}

// NewProviders creates a Providers with optional per-provider overrides.
func NewProviders(overrides map[string]config.ProviderCommand) *Providers {
	return &Providers{overrides: overrides}
}

// Command builds the command for a request. The prompt is always sent on
// stdin so large prompts never hit argv limits.
func (p *Providers) Command(req Request) (Command, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Command{}, fmt.Errorf("%w: no model for provider %q", ErrProviderUnavailable, req.Provider)
	}
	stdin := req.Prompt

	var name string
	var args []string
	if o, ok := p.overrides[req.Provider]; ok {
		name = o.Command
		for _, a := range o.Args {
			a = strings.ReplaceAll(a, "{{model}}", req.Model)
			args = append(args, a)
		}
		if req.System != "" {
			stdin = req.System + "\n\n---\n\n" + req.Prompt
		}
	} else {
		switch req.Provider {
		case "anthropic":
			name = "claude"
			if req.OneShot {
				args = []string{"-p", "--output-format", "json", "--model", req.Model}
			} else {
				args = []string{"-p", "--output-format", "stream-json", "--verbose", "--model", req.Model}
			}
			if req.System != "" {
				args = append(args, "--system-prompt", req.System)
			}
			if len(req.Tools) > 0 {
				args = append(args, "--allowedTools", strings.Join(req.Tools, ","))
			}
		case "openai":
			name = "codex"
			args = []string{"exec", "--json", "--model", req.Model}
			if len(req.Tools) > 0 && !req.OneShot {
				args = append(args, "--full-auto")
			}
			args = append(args, "-")
			if req.System != "" {
				stdin = req.System + "\n\n---\n\n" + req.Prompt
			}
		case "google":
			name = "gemini"
			args = []string{"--model", req.Model, "--output-format", "json"}
			if len(req.Tools) > 0 && !req.OneShot {
				args = append(args, "--yolo")
			}
			if req.System != "" {
				stdin = req.System + "\n\n---\n\n" + req.Prompt
			}
		default:
			return Command{}, fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, req.Provider)
		}
	}

	return Command{
		Name:    name,
		Args:    args,
		Dir:     req.Dir,
		Stdin:   stdin,
		Timeout: req.Timeout,
	}, nil
}
