package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a workflow.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigError is returned when a workflow cannot be used.
type ConfigError struct {
	Errors []ValidationError
	Err    error
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return "invalid workflow: " + strings.Join(msgs, "; ")
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Validate checks a Workflow for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(wf *Workflow) []ValidationError {
	var errs []ValidationError

	if len(wf.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "workflow.stages", Message: "at least one stage is required"})
	}

	seen := make(map[string]bool)
	for i, s := range wf.Stages {
		prefix := fmt.Sprintf("workflow.stages[%d]", i)

		if s.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if seen[s.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate stage name %q", s.Name)})
		}
		seen[s.Name] = true

		for _, req := range []struct{ field, value string }{
			{"agent", s.Agent},
			{"provider", s.Provider},
			{"model", s.Model},
		} {
			if strings.TrimSpace(req.value) == "" {
				errs = append(errs, ValidationError{Field: prefix + "." + req.field, Message: "is required"})
			}
		}

		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			errs = append(errs, ValidationError{
				Field:   prefix + ".temperature",
				Message: fmt.Sprintf("must be within [0, 2], got %g", *s.Temperature),
			})
		}
		if s.MaxTokens < 0 {
			errs = append(errs, ValidationError{Field: prefix + ".max_tokens", Message: "must not be negative"})
		}
		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
				errs = append(errs, ValidationError{Field: prefix + ".timeout", Message: fmt.Sprintf("invalid duration %q", s.Timeout)})
			}
		}
		if s.Fallback != "" {
			if p, m, found := strings.Cut(s.Fallback, "/"); found && (strings.TrimSpace(p) == "" || strings.TrimSpace(m) == "") {
				errs = append(errs, ValidationError{
					Field:   prefix + ".fallback",
					Message: fmt.Sprintf("malformed fallback %q: want provider/model", s.Fallback),
				})
			}
		}
	}

	for name, pc := range wf.Providers {
		if strings.TrimSpace(pc.Command) == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("workflow.providers.%s.command", name), Message: "is required"})
		}
	}

	return errs
}
