package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucasnoah/tacx/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tacx",
	Short: "A multi-stage agent pipeline orchestrator",
	Long: `tacx turns labelled GitHub issues into pull requests.

The coordinator polls for issues, keeps the task queue in a markdown file,
and starts one worker process per task. Each worker drives its task through
planning, building, reviewing and PR creation inside an isolated git worktree.

Settings come from flags, TACX_* environment variables and tacx.yaml, in
that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./tacx.yaml, then ~/.tacx/tacx.yaml)")
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	pf.String("repo-dir", ".", "repository the coordinator works on")
	pf.String("queue-file", "", "task queue file (default: <repo-dir>/TASKS.md)")
	pf.String("workflow-file", "", "workflow YAML (default: ./workflow.yaml, ~/.tacx/workflow.yaml, built-in)")
	pf.String("db-dsn", "", "observability database: a SQLite path or postgres:// DSN (default: ~/.tacx/tacx.db)")
	pf.String("logs-dir", "", "worker log directory (default: <repo-dir>/.tacx/logs)")
	bindFlag("log_level", pf, "log-level")
	bindFlag("repo_dir", pf, "repo-dir")
	bindFlag("queue_file", pf, "queue-file")
	bindFlag("workflow_file", pf, "workflow-file")
	bindFlag("db_dsn", pf, "db-dsn")
	bindFlag("logs_dir", pf, "logs-dir")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(initCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tacx")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".tacx"))
		}
	}

	viper.SetEnvPrefix("TACX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	}
}

// settings returns the typed process settings for the current invocation.
func settings() config.Settings {
	return config.LoadSettings(viper.GetViper())
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q to %q: %v", flagName, viperKey, err))
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
