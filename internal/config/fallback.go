package config

import (
	"strings"
	"time"
)

// modelFamilies maps model-name prefixes to the provider that serves them.
var modelFamilies = []struct {
	prefix   string
	provider string
}{
	{"claude", "anthropic"},
	{"opus", "anthropic"},
	{"sonnet", "anthropic"},
	{"haiku", "anthropic"},
	{"gpt", "openai"},
	{"codex", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"gemini", "google"},
}

// InferProvider guesses the provider for a bare model name.
func InferProvider(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, f := range modelFamilies {
		if strings.HasPrefix(m, f.prefix) {
			return f.provider, true
		}
	}
	return "", false
}

// GetFallback parses the stage's fallback as "provider/model". A bare model
// name has its provider inferred from the model family. The second return is
// false when no usable fallback is configured.
func (s *Stage) GetFallback() (Fallback, bool) {
	raw := strings.TrimSpace(s.Fallback)
	if raw == "" {
		return Fallback{}, false
	}
	if provider, model, found := strings.Cut(raw, "/"); found {
		provider, model = strings.TrimSpace(provider), strings.TrimSpace(model)
		if provider == "" || model == "" {
			return Fallback{}, false
		}
		return Fallback{Provider: provider, Model: model}, true
	}
	provider, ok := InferProvider(raw)
	if !ok {
		return Fallback{}, false
	}
	return Fallback{Provider: provider, Model: raw}, true
}

// TimeoutOr returns the stage's parsed timeout, or def when unset.
func (s *Stage) TimeoutOr(def time.Duration) time.Duration {
	if s.Timeout == "" {
		return def
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
