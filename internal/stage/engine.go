package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/tacx/internal/agent"
	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/helper"
	"github.com/lucasnoah/tacx/internal/pipeline"
	"github.com/lucasnoah/tacx/internal/prompt"
	"github.com/lucasnoah/tacx/internal/telemetry"
)

// Stage names, in execution order.
const (
	Planning   = "planning"
	Building   = "building"
	Reviewing  = "reviewing"
	PRCreation = "pr_creation"
)

// Order is the fixed pipeline sequence.
var Order = []string{Planning, Building, Reviewing, PRCreation}

// ApprovalMarker must appear in review.md before a pull request is opened.
const ApprovalMarker = "APPROVED FOR PR CREATION"

// NotApproved is the soft-block reason recorded when the review withholds approval.
const NotApproved = "review not approved: human intervention needed"

// DefaultTimeout is the hard ceiling on a single agent invocation.
const DefaultTimeout = time.Hour

// artifacts maps each stage to the file whose existence marks it done.
var artifacts = map[string]string{
	Planning:   "plan.md",
	Building:   "implementation.md",
	Reviewing:  "review.md",
	PRCreation: "pr.md",
}

// Artifact returns the output file a stage must produce.
func Artifact(stage string) string {
	return artifacts[stage]
}

// Task is what the runner needs to know about the work item.
type Task struct {
	ID          string `json:"id"`
	IssueNumber int    `json:"issue_number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Worktree    string `json:"worktree"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch"`
}

// Report is what observers learn about a finished stage.
type Report struct {
	Result       pipeline.StageResult
	Provider     string
	Model        string
	UsedFallback bool
	Usage        agent.Usage // agent plus helpers
}

// Observer is told about stage and pipeline transitions. Implementations
// must not fail the pipeline; the runner ignores them for correctness.
type Observer interface {
	StageStarted(task Task, stage *config.Stage)
	StageFinished(task Task, report Report)
	PipelineFinished(task Task, state *pipeline.State)
}

// Runner drives one task through the four stages, persisting state so a
// restarted worker resumes where the previous one stopped.
type Runner struct {
	wf        *config.Workflow
	exec      agent.Executor
	providers *agent.Providers
	breakers  *agent.Breakers
	loader    *prompt.Loader
	helpers   *helper.Manager
	observer  Observer
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time

	usage agent.Usage
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithHelpers enables helper agents (PR description, failure summaries).
func WithHelpers(m *helper.Manager) Option {
	return func(r *Runner) { r.helpers = m }
}

// WithBreakers routes agent calls through per-provider circuit breakers.
func WithBreakers(b *agent.Breakers) Option {
	return func(r *Runner) { r.breakers = b }
}

// WithTimeout sets the default hard timeout for agent calls.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner. The workflow must bind all four stages.
func NewRunner(wf *config.Workflow, exec agent.Executor, loader *prompt.Loader, opts ...Option) (*Runner, error) {
	var verrs []config.ValidationError
	for _, name := range Order {
		if wf.GetStage(name) == nil {
			verrs = append(verrs, config.ValidationError{Field: "stages", Message: fmt.Sprintf("missing required stage %q", name)})
		}
	}
	if len(verrs) > 0 {
		return nil, &config.ConfigError{Errors: verrs}
	}

	r := &Runner{
		wf:        wf,
		exec:      exec,
		providers: agent.NewProviders(wf.Providers),
		loader:    loader,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// SetObserver installs the observer notified of transitions.
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// Usage returns the tokens and cost spent by this runner so far.
func (r *Runner) Usage() agent.Usage {
	return r.usage
}

// Run executes the pipeline for task. Stage failures end the run with
// status errored and a nil error; the returned error is reserved for fatal
// conditions, and the state is persisted as errored before it is returned.
func (r *Runner) Run(ctx context.Context, task Task) (*pipeline.State, error) {
	log := r.logger.With(slog.String("task_id", task.ID))
	store := pipeline.NewStore(task.Worktree)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("init pipeline store: %w", err)
	}

	st, err := store.Get()
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		st = pipeline.NewState(task.ID, task.IssueNumber, task.Worktree, task.Branch, r.now())
	case err != nil:
		return nil, fmt.Errorf("load pipeline state: %w", err)
	default:
		if st.Status == pipeline.StatusBlocked {
			// A human has intervened; re-evaluate the approval gate.
			delete(st.CompletedStages, PRCreation)
		}
		log.Info("resuming pipeline", slog.Any("completed_stages", completedNames(st)))
	}
	st.WorktreePath, st.BranchName = task.Worktree, task.Branch
	st.Status, st.Error, st.CompletedAt = pipeline.StatusRunning, "", nil
	if err := pipeline.ClearBlocked(task.Worktree); err != nil {
		return nil, fmt.Errorf("clear blocked sentinel: %w", err)
	}

	for _, name := range Order {
		if st.IsCompleted(name) {
			log.Info("skipping completed stage", slog.String("stage", name))
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, r.fail(store, task, st, fmt.Errorf("interrupted before %s: %w", name, err))
		}

		st.CurrentStage = name
		if err := store.Save(st); err != nil {
			return st, fmt.Errorf("persist state before %s: %w", name, err)
		}

		cfg := r.wf.GetStage(name)
		r.notifyStarted(task, cfg)
		log.Info("stage started", slog.String("stage", name), slog.String("provider", cfg.Provider), slog.String("model", cfg.Model))

		report, err := r.runStage(ctx, task, store, cfg)
		if err != nil {
			return st, r.fail(store, task, st, fmt.Errorf("stage %s: %w", name, err))
		}

		st.RecordResult(report.Result)
		r.usage = r.usage.Add(report.Usage)
		if err := store.Save(st); err != nil {
			return st, r.fail(store, task, st, fmt.Errorf("persist %s result: %w", name, err))
		}
		r.notifyFinished(task, report)

		if !report.Result.Success {
			log.Warn("stage failed", slog.String("stage", name), slog.String("error", report.Result.Error))
			st.Finish(pipeline.StatusErrored, fmt.Sprintf("%s: %s", name, report.Result.Error), r.now())
			if err := store.Save(st); err != nil {
				return st, fmt.Errorf("persist errored state: %w", err)
			}
			r.notifyPipeline(task, st)
			return st, nil
		}
		log.Info("stage completed", slog.String("stage", name),
			slog.Int64("input_tokens", report.Result.TokensInput),
			slog.Int64("output_tokens", report.Result.TokensOutput))
	}

	if res := st.StageResults[PRCreation]; res.Error != "" {
		st.Finish(pipeline.StatusBlocked, res.Error, r.now())
		if err := store.WriteBlocked(res.Error); err != nil {
			return st, r.fail(store, task, st, fmt.Errorf("write blocked sentinel: %w", err))
		}
		log.Warn("pipeline blocked", slog.String("reason", res.Error))
	} else {
		st.Finish(pipeline.StatusCompleted, "", r.now())
		log.Info("pipeline completed")
	}
	if err := store.Save(st); err != nil {
		return st, fmt.Errorf("persist final state: %w", err)
	}
	r.notifyPipeline(task, st)
	return st, nil
}

// fail marks the pipeline errored after a fatal condition and returns cause.
func (r *Runner) fail(store *pipeline.Store, task Task, st *pipeline.State, cause error) error {
	r.logger.Error("pipeline failed", slog.String("task_id", task.ID), slog.String("stage", st.CurrentStage), slog.Any("error", cause))
	st.Finish(pipeline.StatusErrored, cause.Error(), r.now())
	if err := store.Save(st); err != nil {
		r.logger.Error("persist errored state", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	r.notifyPipeline(task, st)
	return cause
}

// runStage executes one stage and checks its postcondition. Expected
// failures come back in the report; the error is for fatal conditions.
func (r *Runner) runStage(ctx context.Context, task Task, store *pipeline.Store, cfg *config.Stage) (Report, error) {
	started := r.now().UTC()
	report := Report{
		Result:   pipeline.StageResult{StageName: cfg.Name, StartedAt: started},
		Provider: cfg.Provider,
		Model:    cfg.Model,
	}
	finish := func() Report {
		t := r.now().UTC()
		report.Result.CompletedAt = &t
		return report
	}

	vars := r.vars(task, store)
	if cfg.Name == PRCreation {
		review, err := store.ReadArtifact(Artifact(Reviewing))
		if err != nil && !errors.Is(err, pipeline.ErrArtifactMissing) {
			return report, fmt.Errorf("read review: %w", err)
		}
		if !strings.Contains(review, ApprovalMarker) {
			report.Result.Success = true
			report.Result.Error = NotApproved
			return finish(), nil
		}
		desc, usage := r.describePR(ctx, task, store)
		vars["pr_description"] = desc
		report.Usage = report.Usage.Add(usage)
	}

	inv, err := r.invokeAgent(ctx, task, store, cfg, vars)
	if err != nil {
		return report, err
	}
	report.Provider, report.Model, report.UsedFallback = inv.Provider, inv.Model, inv.UsedFallback
	report.Usage = report.Usage.Add(inv.Usage)

	artifact := Artifact(cfg.Name)
	switch {
	case !inv.OK():
		report.Result.Error = inv.Failure.Error()
	case !store.ArtifactExists(artifact):
		report.Result.Error = fmt.Sprintf("%s: %s was not produced", pipeline.ErrArtifactMissing, artifact)
	default:
		report.Result.Success = true
		report.Result.OutputFile = artifact
	}
	report.Result.TokensInput = report.Usage.InputTokens
	report.Result.TokensOutput = report.Usage.OutputTokens
	if !report.Result.Success {
		// Summary cost is billed to the run, not to the failed stage's tokens.
		report.Usage = report.Usage.Add(r.summarizeFailure(ctx, task, store, cfg.Name, inv.LogPath, report.Result.Error))
	}
	return finish(), nil
}

func (r *Runner) vars(task Task, store *pipeline.Store) prompt.Vars {
	base := task.BaseBranch
	if base == "" {
		base = "main"
	}
	return prompt.Vars{
		"task_id":             task.ID,
		"issue_number":        strconv.Itoa(task.IssueNumber),
		"issue_title":         task.Title,
		"issue_body":          task.Description,
		"worktree_path":       task.Worktree,
		"branch":              task.Branch,
		"base_branch":         base,
		"artifact_dir":        store.Dir(),
		"plan_path":           store.ArtifactPath(Artifact(Planning)),
		"implementation_path": store.ArtifactPath(Artifact(Building)),
		"review_path":         store.ArtifactPath(Artifact(Reviewing)),
		"pr_path":             store.ArtifactPath(Artifact(PRCreation)),
		"approval_marker":     ApprovalMarker,
		"pr_description":      "",
	}
}

// invokeAgent renders and saves the stage prompt, then runs the primary
// model and, if that fails and a fallback is configured, the fallback once.
// An agent that cannot do the work is a failed Invocation, not an error.
func (r *Runner) invokeAgent(ctx context.Context, task Task, store *pipeline.Store, cfg *config.Stage, vars prompt.Vars) (agent.Invocation, error) {
	tmpl, err := r.loader.Stage(cfg.Agent, task.Worktree)
	if err != nil {
		return agent.Invocation{}, fmt.Errorf("load template: %w", err)
	}
	rendered, err := prompt.Render(tmpl, vars)
	if err != nil {
		return agent.Invocation{}, fmt.Errorf("render template %s: %w", cfg.Agent, err)
	}
	if _, err := store.SavePrompt(cfg.Name, rendered); err != nil {
		return agent.Invocation{}, err
	}

	timeout := cfg.TimeoutOr(r.timeout)
	primary := r.attempt(ctx, task, cfg, cfg.Provider, cfg.Model, rendered, timeout, store.LogPath(cfg.Name, false))
	if primary.OK() {
		return primary, nil
	}

	fb, ok := cfg.GetFallback()
	if !ok {
		return primary, nil
	}
	r.logger.Warn("primary agent failed, trying fallback",
		slog.String("task_id", task.ID),
		slog.String("stage", cfg.Name),
		slog.String("fallback", fb.Provider+"/"+fb.Model),
		slog.Any("error", primary.Failure))

	second := r.attempt(ctx, task, cfg, fb.Provider, fb.Model, rendered, timeout, store.LogPath(cfg.Name, true))
	second.UsedFallback = true
	if !second.OK() {
		second.Failure = fmt.Errorf("primary %s/%s: %v; fallback %s/%s: %w",
			cfg.Provider, cfg.Model, primary.Failure, fb.Provider, fb.Model, second.Failure)
	}
	return second, nil
}

// attempt runs one provider/model against the rendered prompt, streaming
// its output to logPath. A failed attempt reports zero usage.
func (r *Runner) attempt(ctx context.Context, task Task, cfg *config.Stage, provider, model, rendered string, timeout time.Duration, logPath string) agent.Invocation {
	inv := agent.Invocation{Provider: provider, Model: model, LogPath: logPath}

	cmd, err := r.providers.Command(agent.Request{
		Provider: provider,
		Model:    model,
		Prompt:   rendered,
		Tools:    cfg.Tools,
		Dir:      task.Worktree,
		Timeout:  timeout,
	})
	if err != nil {
		inv.Failure = err
		return inv
	}

	f, err := os.Create(logPath)
	if err != nil {
		inv.Failure = fmt.Errorf("create agent log: %w", err)
		return inv
	}
	defer f.Close()
	cmd.Log = f

	run := func() (agent.Result, error) { return r.exec.Execute(ctx, cmd) }
	var res agent.Result
	if r.breakers != nil {
		res, err = r.breakers.Execute(provider, run)
	} else {
		res, err = run()
		if err == nil {
			err = agent.CheckExit(res)
		}
	}
	if err != nil {
		telemetry.AgentInvocations.WithLabelValues(provider, "error").Inc()
		inv.Failure = err
		return inv
	}
	telemetry.AgentInvocations.WithLabelValues(provider, "ok").Inc()

	usage, err := agent.ParseUsageFile(logPath)
	if err != nil || usage.IsZero() {
		usage = agent.ParseUsage(res.Stdout)
	}
	inv.Usage = usage
	return inv
}

// describePR asks the pr-describer helper for a description. It is best
// effort: any failure leaves the description empty.
func (r *Runner) describePR(ctx context.Context, task Task, store *pipeline.Store) (string, agent.Usage) {
	if r.helpers == nil {
		return "", agent.Usage{}
	}
	var parts []string
	for _, stage := range []string{Planning, Building, Reviewing} {
		name := Artifact(stage)
		if content, err := store.ReadArtifact(name); err == nil {
			parts = append(parts, "## "+name+"\n\n"+strings.TrimSpace(content))
		}
	}

	var desc string
	rec, err := r.helpers.Spawn(ctx, helper.SpawnOpts{
		TaskID:   task.ID,
		Stage:    PRCreation,
		Template: "pr-describer",
		Purpose:  "draft pull request description",
		Workdir:  task.Worktree,
	}, func(hc *helper.Context) error {
		res := hc.Run(ctx, fmt.Sprintf("Issue #%d: %s\n\n%s", task.IssueNumber, task.Title, strings.Join(parts, "\n\n")))
		if !res.OK() {
			return errors.New(res.Error)
		}
		desc = res.Content
		hc.SetResult(desc)
		return nil
	})
	if err != nil {
		r.logger.Warn("pr description helper failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	return desc, rec.Usage
}

// summarizeFailure writes failure.md with a short explanation of a failed
// stage, drawn from the tail of its agent log.
func (r *Runner) summarizeFailure(ctx context.Context, task Task, store *pipeline.Store, stage, logPath, reason string) agent.Usage {
	if r.helpers == nil {
		return agent.Usage{}
	}
	var logTail string
	if logPath != "" {
		if data, err := os.ReadFile(logPath); err == nil {
			logTail = tailBytes(data, 4000)
		}
	}

	rec, err := r.helpers.Spawn(ctx, helper.SpawnOpts{
		TaskID:   task.ID,
		Stage:    stage,
		Template: "failure-summarizer",
		Purpose:  "summarize " + stage + " failure",
		Workdir:  task.Worktree,
	}, func(hc *helper.Context) error {
		res := hc.Run(ctx, fmt.Sprintf("Stage: %s\nReason: %s\n\nLog tail:\n%s", stage, reason, logTail))
		if !res.OK() {
			return errors.New(res.Error)
		}
		hc.SetResult(res.Content)
		return store.WriteArtifact("failure.md", res.Content+"\n")
	})
	if err != nil {
		r.logger.Warn("failure summary helper failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	return rec.Usage
}

func tailBytes(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[len(data)-n:])
}

func completedNames(st *pipeline.State) []string {
	var names []string
	for _, name := range Order {
		if st.IsCompleted(name) {
			names = append(names, name)
		}
	}
	return names
}

func (r *Runner) notifyStarted(task Task, cfg *config.Stage) {
	if r.observer != nil {
		r.observer.StageStarted(task, cfg)
	}
}

func (r *Runner) notifyFinished(task Task, report Report) {
	if r.observer != nil {
		r.observer.StageFinished(task, report)
	}
}

func (r *Runner) notifyPipeline(task Task, st *pipeline.State) {
	if r.observer != nil {
		r.observer.PipelineFinished(task, st)
	}
}
