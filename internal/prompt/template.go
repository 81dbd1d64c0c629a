package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
	nameRe     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// ErrTemplateNotFound is returned when no source provides a named template.
var ErrTemplateNotFound = errors.New("template not found")

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value. Missing required variables cause an error.
// {{#if variable}}...{{/if}} blocks are included only if the variable is non-empty.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		m := varRe.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		if val, ok := vars[m[1]]; ok {
			return val
		}
		missing = append(missing, m[1])
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals handles {{#if var}}...{{/if}} blocks, supporting nesting.
// Innermost blocks are resolved first by pairing each {{/if}} with the last
// {{#if}} before it.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		prefix := result[:closeIdx]
		openLocs := ifOpenRe.FindAllStringIndex(prefix, -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}

		lastOpen := openLocs[len(openLocs)-1]
		openStart, openEnd := lastOpen[0], lastOpen[1]

		m := ifOpenRe.FindStringSubmatch(prefix[openStart:openEnd])
		if m == nil {
			return "", fmt.Errorf("failed to parse conditional tag: %s", prefix[openStart:openEnd])
		}

		body := result[openEnd:closeIdx]
		closeEnd := closeIdx + len(ifCloseStr)

		var replacement string
		if val, ok := vars[m[1]]; ok && val != "" {
			replacement = body
		}
		result = result[:openStart] + replacement + result[closeEnd:]
	}

	if ifOpenRe.MatchString(result) {
		return "", fmt.Errorf("unclosed conditional block: %s", ifOpenRe.FindString(result))
	}
	return result, nil
}

// Loader resolves templates by name. Lookup order: project override under
// <workdir>/.tacx/<kind>/, user override under ~/.tacx/<kind>/, then built-ins.
type Loader struct {
	userDir string // ~/.tacx; empty disables user overrides
}

// NewLoader creates a Loader rooted at the user's home directory.
func NewLoader() *Loader {
	home, err := os.UserHomeDir()
	if err != nil {
		return &Loader{}
	}
	return &Loader{userDir: filepath.Join(home, ".tacx")}
}

// NewLoaderAt creates a Loader whose user overrides live in dir.
func NewLoaderAt(dir string) *Loader {
	return &Loader{userDir: dir}
}

// Stage loads a stage prompt template by agent name.
func (l *Loader) Stage(name, workdir string) (string, error) {
	return l.load("templates", name, workdir, builtinTemplates)
}

func (l *Loader) load(kind, name, workdir string, builtins map[string]string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	file := name
	if !strings.HasSuffix(file, ".md") {
		file += ".md"
	}

	var searched []string
	if workdir != "" {
		path := filepath.Join(workdir, ".tacx", kind, file)
		searched = append(searched, path)
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}
	if l.userDir != "" {
		path := filepath.Join(l.userDir, kind, file)
		searched = append(searched, path)
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}
	if content, ok := builtins[file]; ok {
		return content, nil
	}
	return "", fmt.Errorf("%w: %q (searched %s and built-ins)", ErrTemplateNotFound, name, strings.Join(searched, ", "))
}

// InstallBuiltins writes the built-in stage and agent templates into the
// user directory, never overwriting files that already exist.
func (l *Loader) InstallBuiltins() error {
	if l.userDir == "" {
		return fmt.Errorf("could not determine home directory")
	}
	for kind, set := range map[string]map[string]string{"templates": builtinTemplates, "agents": builtinAgents} {
		dir := filepath.Join(l.userDir, kind)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", kind, err)
		}
		for name, content := range set {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				continue
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fmt.Errorf("write template %q: %w", name, err)
			}
		}
	}
	return nil
}
