package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/coordinator"
	"github.com/lucasnoah/tacx/internal/github"
	"github.com/lucasnoah/tacx/internal/process"
	"github.com/lucasnoah/tacx/internal/queue"
	"github.com/lucasnoah/tacx/internal/telemetry"
	"github.com/lucasnoah/tacx/internal/worktree"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the fleet coordinator",
}

var coordinatorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for issues and run workers until interrupted",
	Long: `Runs the coordinator loop: poll the issue tracker, reconcile exited
workers, claim ready tasks by priority and start a worker for each.

SIGINT or SIGTERM stops the loop. Running workers are left alone and are
picked up again by the next coordinator run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := settings()
		logger := buildLogger(s.LogLevel, "coordinator")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher := process.WatchChildren()
		defer watcher.Stop()

		telemetry.StartMetricsServer(ctx, s.MetricsAddr, logger)

		spawner := &process.ExecSpawner{OnExit: watcher.Notify}
		c, err := newCoordinator(s, logger, spawner, coordinator.WithChildWatcher(watcher))
		if err != nil {
			return err
		}
		return c.Run(ctx)
	},
}

var coordinatorOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single coordinator iteration and print what it did",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := settings()
		logger := buildLogger(s.LogLevel, "coordinator")

		c, err := newCoordinator(s, logger, &process.ExecSpawner{})
		if err != nil {
			return err
		}
		report, err := c.Tick(cmd.Context())
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, report)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DISCOVERED\tCLAIMED\tSPAWNED\tCOMPLETED\tBLOCKED\tREQUEUED\tFAILED")
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			report.Discovered, report.Claimed, report.Spawned, report.Completed,
			report.Blocked, report.Requeued, report.Failed)
		return w.Flush()
	},
}

// newCoordinator wires the real collaborators from settings.
func newCoordinator(s config.Settings, logger *slog.Logger, spawner process.Spawner, extra ...coordinator.Option) (*coordinator.Coordinator, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate tacx binary: %w", err)
	}

	store := queue.NewFileStore(s.QueueFile)
	tracker := github.NewClient(&github.ExecRunner{Dir: s.RepoDir})
	ws := worktree.NewManager(&worktree.ExecGit{}, s.RepoDir, s.TreesDir, s.BaseBranch)

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithCommand(coordinator.WorkerCommand(exe, workerFlags(s)...)),
	}
	opts = append(opts, extra...)
	return coordinator.New(coordinator.OptionsFromSettings(s), store, tracker, ws, spawner, opts...), nil
}

// workerFlags forwards the settings a worker needs. Workers run inside their
// worktree, so relative paths and ./tacx.yaml would not resolve there.
func workerFlags(s config.Settings) []string {
	flags := []string{"--log-level", s.LogLevel, "--repo-dir", s.RepoDir}
	if used := viper.ConfigFileUsed(); used != "" {
		if abs, err := filepath.Abs(used); err == nil {
			used = abs
		}
		flags = append(flags, "--config", used)
	}
	if s.WorkflowFile != "" {
		path := s.WorkflowFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.RepoDir, path)
		}
		flags = append(flags, "--workflow-file", path)
	}
	if dsn := s.DBDSN; dsn != "" {
		if !strings.Contains(dsn, "://") && dsn != ":memory:" && !filepath.IsAbs(dsn) {
			dsn = filepath.Join(s.RepoDir, dsn)
		}
		flags = append(flags, "--db-dsn", dsn)
	}
	if s.AgentTimeout > 0 {
		flags = append(flags, "--agent-timeout", s.AgentTimeout.String())
	}
	return flags
}

func init() {
	pf := coordinatorCmd.PersistentFlags()
	pf.String("label", "tacx", "issue label that marks work for tacx")
	pf.String("source", "gh", "issue source prefix for task ids")
	pf.String("base-branch", "main", "branch worktrees are cut from")
	pf.String("trees-dir", "", "worktree directory (default: <repo-dir>/trees)")
	pf.Duration("poll-interval", 0, "time between iterations (default 30s)")
	pf.Int("max-workers", 0, "maximum concurrent workers (default 2)")
	pf.Int("max-attempts", 0, "attempts before a task fails permanently (default 3)")
	pf.Int("default-priority", 0, "priority for issues without a p<N> label (default 3)")
	pf.String("metrics-addr", "", "address for /metrics and /healthz; empty disables")
	bindFlag("label", pf, "label")
	bindFlag("source", pf, "source")
	bindFlag("base_branch", pf, "base-branch")
	bindFlag("trees_dir", pf, "trees-dir")
	bindFlag("poll_interval", pf, "poll-interval")
	bindFlag("max_concurrent_workers", pf, "max-workers")
	bindFlag("max_attempts", pf, "max-attempts")
	bindFlag("default_priority", pf, "default-priority")
	bindFlag("metrics_addr", pf, "metrics-addr")

	coordinatorOnceCmd.Flags().String("format", "text", "Output format: text or json")

	coordinatorCmd.AddCommand(coordinatorRunCmd)
	coordinatorCmd.AddCommand(coordinatorOnceCmd)
}
