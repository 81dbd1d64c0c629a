package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/tacx/internal/agent"
	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/db"
	"github.com/lucasnoah/tacx/internal/helper"
	"github.com/lucasnoah/tacx/internal/llm"
	"github.com/lucasnoah/tacx/internal/pipeline"
	"github.com/lucasnoah/tacx/internal/prompt"
	"github.com/lucasnoah/tacx/internal/queue"
	"github.com/lucasnoah/tacx/internal/stage"
	"github.com/lucasnoah/tacx/internal/tac"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Worker process entry points (started by the coordinator)",
	Hidden: true,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one task through the pipeline",
	Long: `Runs one task through planning, building, reviewing and PR creation in
its worktree. Progress is persisted in the worktree, so a rerun resumes after
the last completed stage.

Exits 0 when the pipeline completed or was blocked for review, 1 otherwise.
The final log line carries the run's token usage.`,
	RunE: runWorker,
}

func init() {
	workerRunCmd.Flags().String("task", "", "task as JSON (required)")
	workerRunCmd.Flags().String("worker-id", "", "worker id assigned by the coordinator")
	workerRunCmd.Flags().Duration("agent-timeout", 0, "hard timeout per agent invocation (default 1h)")
	_ = workerRunCmd.MarkFlagRequired("task")
	bindFlag("agent_timeout", workerRunCmd.Flags(), "agent-timeout")

	workerCmd.AddCommand(workerRunCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("task")
	workerID, _ := cmd.Flags().GetString("worker-id")

	var task stage.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return fmt.Errorf("parse --task: %w", err)
	}
	if task.ID == "" || task.Worktree == "" {
		return fmt.Errorf("--task needs id and worktree")
	}
	if task.Branch == "" {
		task.Branch = queue.BranchName(task.ID)
	}

	s := settings()
	logger := buildLogger(s.LogLevel, "worker").With(
		slog.String("task_id", task.ID),
		slog.String("worker_id", workerID),
	)

	wf, err := loadWorkflow(s.WorkflowFile)
	if err != nil {
		logger.Error("workflow rejected", slog.String("error", err.Error()))
		return err
	}

	var store tac.Store
	var helperOpts []helper.Option
	helperOpts = append(helperOpts, helper.WithLogger(logger))
	if d := openWorkerDB(s, logger); d != nil {
		defer d.Close()
		store = d
		helperOpts = append(helperOpts, helper.WithRecorder(d))
	}

	exec := &agent.ExecExecutor{}
	breakers := agent.NewBreakers(logger)
	loader := prompt.NewLoader()
	caller := llm.NewCLICaller(exec, agent.NewProviders(wf.Providers), breakers, 0)

	runner, err := stage.NewRunner(wf, exec, loader,
		stage.WithLogger(logger),
		stage.WithHelpers(helper.NewManager(loader, caller, helperOpts...)),
		stage.WithBreakers(breakers),
		stage.WithTimeout(s.AgentTimeout),
	)
	if err != nil {
		logger.Error("workflow rejected", slog.String("error", err.Error()))
		return err
	}
	adapter := tac.NewWorkerAdapter(runner, store, workerID, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", slog.Int("issue", task.IssueNumber), slog.String("worktree", task.Worktree))
	st, err := adapter.Run(ctx, task)
	usage := usageAttr(runner.Usage())
	if err != nil {
		logger.Error("worker failed", slog.String("error", err.Error()), usage)
		return err
	}

	switch st.Status {
	case pipeline.StatusCompleted:
		logger.Info("pipeline completed", usage)
		return nil
	case pipeline.StatusBlocked:
		logger.Info("pipeline blocked", slog.String("reason", st.Error), usage)
		return nil
	default:
		logger.Error("pipeline errored", slog.String("stage", st.CurrentStage), slog.String("error", st.Error), usage)
		return fmt.Errorf("pipeline %s: %s", st.Status, st.Error)
	}
}

func usageAttr(u agent.Usage) slog.Attr {
	return slog.Group("usage",
		slog.Int64("input_tokens", u.InputTokens),
		slog.Int64("output_tokens", u.OutputTokens),
		slog.Float64("cost_usd", u.CostUSD),
	)
}

// openWorkerDB opens the observability database. A worker without one still
// runs; it just leaves no audit trail.
func openWorkerDB(s config.Settings, logger *slog.Logger) *db.DB {
	d, err := openDB(s)
	if err != nil {
		logger.Warn("observability database unavailable", slog.Any("error", err))
		return nil
	}
	return d
}

// openDB opens and migrates the configured database.
func openDB(s config.Settings) (*db.DB, error) {
	dsn := s.DBDSN
	if dsn == "" {
		path, err := db.DefaultPath()
		if err != nil {
			return nil, err
		}
		dsn = path
	}
	d, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func loadWorkflow(path string) (*config.Workflow, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}
