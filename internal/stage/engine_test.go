package stage

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/tacx/internal/agent"
	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/helper"
	"github.com/lucasnoah/tacx/internal/llm"
	"github.com/lucasnoah/tacx/internal/pipeline"
	"github.com/lucasnoah/tacx/internal/prompt"
)

// --- Mock Executor ---

type mockExec struct {
	calls   []agent.Command
	handler func(stage string, cmd agent.Command) (agent.Result, error)
}

func (m *mockExec) Execute(_ context.Context, cmd agent.Command) (agent.Result, error) {
	m.calls = append(m.calls, cmd)
	res, err := m.handler(stageOf(cmd), cmd)
	if cmd.Log != nil && len(res.Stdout) > 0 {
		cmd.Log.Write(res.Stdout)
	}
	return res, err
}

func (m *mockExec) stages() []string {
	var out []string
	for _, c := range m.calls {
		out = append(out, stageOf(c))
	}
	return out
}

// stageOf identifies the stage from the heading of the built-in templates.
func stageOf(cmd agent.Command) string {
	switch {
	case strings.HasPrefix(cmd.Stdin, "# Plan:"):
		return Planning
	case strings.HasPrefix(cmd.Stdin, "# Build:"):
		return Building
	case strings.HasPrefix(cmd.Stdin, "# Review:"):
		return Reviewing
	case strings.HasPrefix(cmd.Stdin, "# Open Pull Request:"):
		return PRCreation
	}
	return ""
}

const usageLine = `{"type":"result","usage":{"input_tokens":10,"output_tokens":4},"total_cost_usd":0.02}` + "\n"

// writeArtifacts is a handler that does every stage's job.
func writeArtifacts(t *testing.T, store *pipeline.Store, review string) func(string, agent.Command) (agent.Result, error) {
	return func(stage string, _ agent.Command) (agent.Result, error) {
		content := "done\n"
		if stage == Reviewing {
			content = review
		}
		if err := store.WriteArtifact(Artifact(stage), content); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		return agent.Result{Stdout: []byte(`{"type":"system"}` + "\n" + usageLine)}, nil
	}
}

// --- Mock Observer ---

type recordingObserver struct {
	started  []string
	finished []Report
	final    []pipeline.Status
}

func (o *recordingObserver) StageStarted(_ Task, s *config.Stage) { o.started = append(o.started, s.Name) }
func (o *recordingObserver) StageFinished(_ Task, r Report)       { o.finished = append(o.finished, r) }
func (o *recordingObserver) PipelineFinished(_ Task, st *pipeline.State) {
	o.final = append(o.final, st.Status)
}

func setupRunner(t *testing.T, opts ...Option) (*Runner, *mockExec, *pipeline.Store, Task) {
	t.Helper()
	worktree := t.TempDir()
	exec := &mockExec{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	r, err := NewRunner(config.Default(), exec, prompt.NewLoaderAt(t.TempDir()), opts...)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	task := Task{ID: "gh-42", IssueNumber: 42, Title: "Fix the thing", Description: "It is broken.", Worktree: worktree, Branch: "tacx/gh-42", BaseBranch: "main"}
	return r, exec, pipeline.NewStore(worktree), task
}

func TestNewRunner_MissingStage(t *testing.T) {
	wf := config.Default()
	wf.Stages = wf.Stages[:3]
	_, err := NewRunner(wf, &mockExec{}, prompt.NewLoaderAt(t.TempDir()))
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if !strings.Contains(err.Error(), "pr_creation") {
		t.Errorf("error should name the missing stage: %v", err)
	}
}

func TestRun_AllStagesSucceed(t *testing.T) {
	r, exec, store, task := setupRunner(t)
	obs := &recordingObserver{}
	r.SetObserver(obs)
	exec.handler = writeArtifacts(t, store, "Looks good.\n"+ApprovalMarker+"\n")

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s, error = %s", st.Status, st.Error)
	}
	if got := strings.Join(exec.stages(), ","); got != "planning,building,reviewing,pr_creation" {
		t.Errorf("stage order = %s", got)
	}
	for _, name := range Order {
		res := st.StageResults[name]
		if !res.Success || res.OutputFile != Artifact(name) || res.TokensInput != 10 || res.TokensOutput != 4 {
			t.Errorf("%s result = %+v", name, res)
		}
		if !st.CompletedStages[name] {
			t.Errorf("%s not marked complete", name)
		}
	}
	if st.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if u := r.Usage(); u.InputTokens != 40 || u.OutputTokens != 16 {
		t.Errorf("usage = %+v", u)
	}

	saved, err := store.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if saved.Status != pipeline.StatusCompleted || saved.CurrentStage != PRCreation {
		t.Errorf("saved state = %s at %s", saved.Status, saved.CurrentStage)
	}

	// Prompts are persisted and the planning call used the stage's model.
	if _, err := os.Stat(store.Dir() + "/prompts/planning.md"); err != nil {
		t.Errorf("rendered prompt not saved: %v", err)
	}
	if !containsPair(exec.calls[0].Args, "--model", "claude-opus-4-1") {
		t.Errorf("planning args = %v", exec.calls[0].Args)
	}
	if exec.calls[0].Timeout != time.Hour {
		t.Errorf("timeout = %s", exec.calls[0].Timeout)
	}

	if strings.Join(obs.started, ",") != "planning,building,reviewing,pr_creation" || len(obs.finished) != 4 {
		t.Errorf("observer saw started=%v finished=%d", obs.started, len(obs.finished))
	}
	if len(obs.final) != 1 || obs.final[0] != pipeline.StatusCompleted {
		t.Errorf("observer final = %v", obs.final)
	}
}

func TestRun_MissingPlanFailsPipeline(t *testing.T) {
	r, exec, store, task := setupRunner(t)
	exec.handler = func(string, agent.Command) (agent.Result, error) {
		return agent.Result{Stdout: []byte(usageLine)}, nil
	}

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("stage failure must not be an error: %v", err)
	}
	if st.Status != pipeline.StatusErrored {
		t.Fatalf("status = %s", st.Status)
	}
	res := st.StageResults[Planning]
	if res.Success || res.Error == "" || res.OutputFile != "" {
		t.Errorf("planning result = %+v", res)
	}
	if !strings.Contains(res.Error, "plan.md") {
		t.Errorf("error should name the artifact: %s", res.Error)
	}
	if st.CompletedStages[Planning] {
		t.Error("failed stage marked complete")
	}
	// A successful invocation that skipped its artifact is not retried on the fallback.
	if len(exec.calls) != 1 {
		t.Errorf("expected 1 call, got %d", len(exec.calls))
	}
	saved, _ := store.Get()
	if saved.Status != pipeline.StatusErrored {
		t.Errorf("saved status = %s", saved.Status)
	}
}

func TestRun_ResumeSkipsCompletedStages(t *testing.T) {
	r, exec, store, task := setupRunner(t)
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}
	prev := pipeline.NewState(task.ID, task.IssueNumber, task.Worktree, task.Branch, time.Now())
	prev.CompletedStages[Planning] = true
	prev.CompletedStages[Building] = true
	prev.CurrentStage = Reviewing
	prev.Status = pipeline.StatusErrored
	if err := store.Save(prev); err != nil {
		t.Fatal(err)
	}
	exec.handler = writeArtifacts(t, store, ApprovalMarker+"\n")

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(exec.stages(), ","); got != "reviewing,pr_creation" {
		t.Errorf("invoked stages = %s", got)
	}
	if st.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s", st.Status)
	}
}

func TestRun_ReviewNotApprovedBlocks(t *testing.T) {
	r, exec, store, task := setupRunner(t)
	exec.handler = writeArtifacts(t, store, "Needs work: tests are missing.\n")

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(exec.stages(), ","); got != "planning,building,reviewing" {
		t.Errorf("PR agent must not run; invoked %s", got)
	}
	res := st.StageResults[PRCreation]
	if !res.Success || res.Error != NotApproved {
		t.Errorf("pr_creation result = %+v", res)
	}
	if st.Status != pipeline.StatusBlocked {
		t.Errorf("status = %s", st.Status)
	}
	reason, ok := pipeline.ReadBlocked(task.Worktree)
	if !ok || reason != NotApproved {
		t.Errorf("sentinel = %q, %v", reason, ok)
	}

	// After a human approves, a rerun re-evaluates the gate only.
	if err := store.WriteArtifact("review.md", ApprovalMarker+"\n"); err != nil {
		t.Fatal(err)
	}
	exec.calls = nil
	st, err = r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := strings.Join(exec.stages(), ","); got != "pr_creation" {
		t.Errorf("rerun invoked %s", got)
	}
	if st.Status != pipeline.StatusCompleted {
		t.Errorf("rerun status = %s", st.Status)
	}
	if _, ok := pipeline.ReadBlocked(task.Worktree); ok {
		t.Error("sentinel should be cleared")
	}
}

func TestRun_FallbackAfterPrimaryFailure(t *testing.T) {
	r, exec, store, task := setupRunner(t)
	obs := &recordingObserver{}
	r.SetObserver(obs)
	succeed := writeArtifacts(t, store, ApprovalMarker)
	exec.handler = func(stage string, cmd agent.Command) (agent.Result, error) {
		if cmd.Name == "claude" && stage == Planning {
			return agent.Result{ExitCode: 1, Stderr: []byte("overloaded")}, nil
		}
		return succeed(stage, cmd)
	}

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s (%s)", st.Status, st.Error)
	}
	if exec.calls[1].Name != "codex" || !containsPair(exec.calls[1].Args, "--model", "gpt-5-codex") {
		t.Errorf("fallback call = %s", exec.calls[1])
	}
	if exec.calls[0].Stdin != exec.calls[1].Stdin {
		t.Error("fallback must reuse the same prompt")
	}
	if _, err := os.Stat(store.LogPath(Planning, true)); err != nil {
		t.Errorf("fallback log missing: %v", err)
	}
	if !obs.finished[0].UsedFallback || obs.finished[0].Provider != "openai" {
		t.Errorf("report = %+v", obs.finished[0])
	}
}

func TestRun_PrimaryAndFallbackFail(t *testing.T) {
	r, exec, _, task := setupRunner(t)
	exec.handler = func(_ string, cmd agent.Command) (agent.Result, error) {
		if cmd.Name == "codex" {
			return agent.Result{}, agent.ErrTimeout
		}
		return agent.Result{ExitCode: 2, Stdout: []byte(usageLine)}, nil
	}

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := st.StageResults[Planning]
	if res.Success || res.TokensInput != 0 || res.TokensOutput != 0 {
		t.Errorf("planning result = %+v", res)
	}
	if !strings.Contains(res.Error, "fallback") || !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %s", res.Error)
	}
	if len(exec.calls) != 2 {
		t.Errorf("calls = %d", len(exec.calls))
	}
	if st.Status != pipeline.StatusErrored {
		t.Errorf("status = %s", st.Status)
	}
}

func TestRun_FatalTemplateErrorPersistsErrored(t *testing.T) {
	r, exec, store, task := setupRunner(t)
	r.wf.GetStage(Planning).Agent = "no-such-template"
	exec.handler = func(string, agent.Command) (agent.Result, error) {
		t.Fatal("agent must not run")
		return agent.Result{}, nil
	}

	_, err := r.Run(context.Background(), task)
	if !errors.Is(err, prompt.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	saved, gerr := store.Get()
	if gerr != nil {
		t.Fatal(gerr)
	}
	if saved.Status != pipeline.StatusErrored || saved.CurrentStage != Planning || saved.Error == "" {
		t.Errorf("saved = %s at %s: %s", saved.Status, saved.CurrentStage, saved.Error)
	}
}

func TestRun_CancelledContextIsFatal(t *testing.T) {
	r, exec, _, task := setupRunner(t)
	exec.handler = func(string, agent.Command) (agent.Result, error) { return agent.Result{}, nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := r.Run(ctx, task)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if st.Status != pipeline.StatusErrored || len(exec.calls) != 0 {
		t.Errorf("status = %s, calls = %d", st.Status, len(exec.calls))
	}
}

type stubCaller struct {
	prompts []string
	content string
}

func (s *stubCaller) Call(_ context.Context, req llm.Request) (llm.Response, error) {
	s.prompts = append(s.prompts, req.Prompt)
	return llm.Response{Content: s.content, InputTokens: 7, OutputTokens: 3}, nil
}

func TestRun_PRDescriberRollsIntoStage(t *testing.T) {
	caller := &stubCaller{content: "Adds the fix."}
	helpers := helper.NewManager(prompt.NewLoaderAt(t.TempDir()), caller)
	r, exec, store, task := setupRunner(t, WithHelpers(helpers))
	exec.handler = writeArtifacts(t, store, ApprovalMarker)

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := exec.calls[len(exec.calls)-1]
	if !strings.Contains(last.Stdin, "Adds the fix.") {
		t.Errorf("PR prompt missing description:\n%s", last.Stdin)
	}
	res := st.StageResults[PRCreation]
	if res.TokensInput != 17 || res.TokensOutput != 7 {
		t.Errorf("pr_creation tokens = %d/%d", res.TokensInput, res.TokensOutput)
	}
	if len(caller.prompts) != 1 || !strings.Contains(caller.prompts[0], "plan.md") {
		t.Errorf("helper prompts = %v", caller.prompts)
	}
}

func TestRun_FailureSummaryWritten(t *testing.T) {
	caller := &stubCaller{content: "The agent never wrote the plan."}
	helpers := helper.NewManager(prompt.NewLoaderAt(t.TempDir()), caller)
	r, exec, store, task := setupRunner(t, WithHelpers(helpers))
	exec.handler = func(string, agent.Command) (agent.Result, error) {
		return agent.Result{Stdout: []byte(usageLine)}, nil
	}

	st, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := store.ReadArtifact("failure.md")
	if err != nil || !strings.Contains(summary, "never wrote the plan") {
		t.Errorf("failure.md = %q, %v", summary, err)
	}
	if res := st.StageResults[Planning]; res.TokensInput != 10 {
		t.Errorf("summary tokens leaked into stage: %+v", res)
	}
	if u := r.Usage(); u.InputTokens != 17 {
		t.Errorf("run usage = %+v", u)
	}
}

func containsPair(args []string, key, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == key && args[i+1] == value {
			return true
		}
	}
	return false
}
