package config

// File is the top-level structure parsed from workflow YAML.
type File struct {
	Workflow Workflow `yaml:"workflow"`
}

// Workflow is an ordered list of stage bindings plus shared defaults.
type Workflow struct {
	Name      string                     `yaml:"name"`
	Version   string                     `yaml:"version"`
	Defaults  Defaults                   `yaml:"defaults"`
	Providers map[string]ProviderCommand `yaml:"providers"`
	Stages    []Stage                    `yaml:"stages"`
}

// Defaults are merged into stages that leave a field unset.
type Defaults struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Fallback    string   `yaml:"fallback"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Timeout     string   `yaml:"timeout"`
}

// ProviderCommand overrides the CLI used to reach a provider.
type ProviderCommand struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Stage binds a named pipeline stage to an agent and model.
type Stage struct {
	Name        string   `yaml:"name"`
	Agent       string   `yaml:"agent"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Fallback    string   `yaml:"fallback"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Tools       []string `yaml:"tools"`
	Timeout     string   `yaml:"timeout"`
}

// Fallback is a parsed "provider/model" alternative.
type Fallback struct {
	Provider string
	Model    string
}

// TemperatureOr returns the stage temperature or def when unset.
func (s *Stage) TemperatureOr(def float64) float64 {
	if s.Temperature == nil {
		return def
	}
	return *s.Temperature
}
