package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Settings are the process-level knobs for the coordinator and worker.
type Settings struct {
	LogLevel     string
	RepoDir      string
	TreesDir     string
	LogsDir      string
	QueueFile    string
	WorkflowFile string
	DBDSN        string
	Label        string
	Source       string
	BaseBranch   string
	MetricsAddr  string

	PollInterval            time.Duration
	MaxConcurrentWorkers    int
	MaxAttempts             int
	DefaultPriority         int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	StartupBackoffBase      time.Duration
	InstantFailureThreshold time.Duration
	WorktreeFreshness       time.Duration
	AgentTimeout            time.Duration
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("repo_dir", ".")
	v.SetDefault("label", "tacx")
	v.SetDefault("source", "gh")
	v.SetDefault("base_branch", "main")
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("max_concurrent_workers", 2)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("default_priority", 3)
	v.SetDefault("backoff_base", "1m")
	v.SetDefault("backoff_max", "30m")
	v.SetDefault("startup_backoff_base", "10s")
	v.SetDefault("instant_failure_threshold", "10s")
	v.SetDefault("worktree_freshness", "60m")
	v.SetDefault("agent_timeout", "1h")
}

// LoadSettings reads typed settings out of v, resolving derived paths
// relative to the repository directory.
func LoadSettings(v *viper.Viper) Settings {
	s := Settings{
		LogLevel:     v.GetString("log_level"),
		RepoDir:      v.GetString("repo_dir"),
		TreesDir:     v.GetString("trees_dir"),
		LogsDir:      v.GetString("logs_dir"),
		QueueFile:    v.GetString("queue_file"),
		WorkflowFile: v.GetString("workflow_file"),
		DBDSN:        v.GetString("db_dsn"),
		Label:        v.GetString("label"),
		Source:       v.GetString("source"),
		BaseBranch:   v.GetString("base_branch"),
		MetricsAddr:  v.GetString("metrics_addr"),

		PollInterval:            v.GetDuration("poll_interval"),
		MaxConcurrentWorkers:    v.GetInt("max_concurrent_workers"),
		MaxAttempts:             v.GetInt("max_attempts"),
		DefaultPriority:         v.GetInt("default_priority"),
		BackoffBase:             v.GetDuration("backoff_base"),
		BackoffMax:              v.GetDuration("backoff_max"),
		StartupBackoffBase:      v.GetDuration("startup_backoff_base"),
		InstantFailureThreshold: v.GetDuration("instant_failure_threshold"),
		WorktreeFreshness:       v.GetDuration("worktree_freshness"),
		AgentTimeout:            v.GetDuration("agent_timeout"),
	}

	if s.RepoDir == "" {
		s.RepoDir = "."
	}
	if abs, err := filepath.Abs(s.RepoDir); err == nil {
		s.RepoDir = abs
	}
	if s.TreesDir == "" {
		s.TreesDir = filepath.Join(s.RepoDir, "trees")
	}
	if s.LogsDir == "" {
		s.LogsDir = filepath.Join(s.RepoDir, ".tacx", "logs")
	}
	if s.QueueFile == "" {
		s.QueueFile = filepath.Join(s.RepoDir, "TASKS.md")
	}
	if s.MaxConcurrentWorkers < 1 {
		s.MaxConcurrentWorkers = 1
	}
	return s
}

// DefaultDataDir returns ~/.tacx, creating it if needed.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".tacx")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
