// Package coordinator runs the fleet loop: it polls the issue tracker, keeps
// the queue file, starts one worker process per active task and reconciles
// workers as they exit.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/tacx/internal/agent"
	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/failure"
	"github.com/lucasnoah/tacx/internal/github"
	"github.com/lucasnoah/tacx/internal/pipeline"
	"github.com/lucasnoah/tacx/internal/process"
	"github.com/lucasnoah/tacx/internal/queue"
	"github.com/lucasnoah/tacx/internal/stage"
	"github.com/lucasnoah/tacx/internal/telemetry"
	"github.com/lucasnoah/tacx/internal/worktree"
)

// IssueTracker is the slice of the GitHub client the coordinator uses.
type IssueTracker interface {
	ListIssues(label string) ([]github.Issue, error)
	GetIssue(number int) (*github.Issue, error)
	Comment(number int, body string) error
	FindPRByBranch(branch string) (*github.PR, error)
}

// Workspaces provisions and removes per-task worktrees.
type Workspaces interface {
	Path(taskID string) string
	Provision(opts worktree.ProvisionOpts) (string, worktree.Decision, error)
	Remove(taskID string, force bool) error
	HeadCommit(path string) (string, error)
}

// CommandFunc builds the worker command line for a task.
type CommandFunc func(task stage.Task, workerID string) (name string, args []string)

// WorkerCommand returns a CommandFunc running `<exe> worker run` with the task
// serialized into --task. extra flags are appended as given.
func WorkerCommand(exe string, extra ...string) CommandFunc {
	return func(task stage.Task, workerID string) (string, []string) {
		args := []string{"worker", "run", "--task", taskJSON(task), "--worker-id", workerID}
		return exe, append(args, extra...)
	}
}

// taskJSON encodes the task for argv. HTML escaping is off: issue bodies
// are often markup, and \u003c for every < would inflate a single argument
// toward the kernel's per-argument limit.
func taskJSON(task stage.Task) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(task)
	return strings.TrimSuffix(buf.String(), "\n")
}

// Options are the coordinator's knobs.
type Options struct {
	RepoDir                 string
	LogsDir                 string
	Label                   string
	Source                  string
	BaseBranch              string
	MaxConcurrentWorkers    int
	MaxAttempts             int
	DefaultPriority         int
	PollInterval            time.Duration
	InstantFailureThreshold time.Duration
	WorktreeFreshness       time.Duration
	Policy                  failure.Policy
}

// OptionsFromSettings maps process settings onto coordinator options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		RepoDir:                 s.RepoDir,
		LogsDir:                 s.LogsDir,
		Label:                   s.Label,
		Source:                  s.Source,
		BaseBranch:              s.BaseBranch,
		MaxConcurrentWorkers:    s.MaxConcurrentWorkers,
		MaxAttempts:             s.MaxAttempts,
		DefaultPriority:         s.DefaultPriority,
		PollInterval:            s.PollInterval,
		InstantFailureThreshold: s.InstantFailureThreshold,
		WorktreeFreshness:       s.WorktreeFreshness,
		Policy: failure.Policy{
			Base:        s.BackoffBase,
			StartupBase: s.StartupBackoffBase,
			Max:         s.BackoffMax,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentWorkers < 1 {
		o.MaxConcurrentWorkers = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = failure.DefaultMaxAttempts
	}
	if o.DefaultPriority == 0 {
		o.DefaultPriority = queue.DefaultPriority
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.InstantFailureThreshold <= 0 {
		o.InstantFailureThreshold = 10 * time.Second
	}
	if o.WorktreeFreshness <= 0 {
		o.WorktreeFreshness = worktree.DefaultFreshness
	}
	if o.Source == "" {
		o.Source = queue.SourceGitHub
	}
	return o
}

// TickReport counts what one loop iteration did.
type TickReport struct {
	Discovered int `json:"discovered"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
	Requeued   int `json:"requeued"`
	Failed     int `json:"failed"`
	Claimed    int `json:"claimed"`
	Spawned    int `json:"spawned"`
}

// Coordinator is the single-threaded fleet scheduler. Only one may run
// against a queue file at a time.
type Coordinator struct {
	opts    Options
	store   *queue.FileStore
	tracker IssueTracker
	ws      Workspaces
	spawner process.Spawner
	command CommandFunc
	watcher *process.ChildWatcher
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	adopt   func(pid int, started time.Time) process.Handle

	handles map[string]process.Handle
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithWorkerIDs overrides worker id generation (for testing).
func WithWorkerIDs(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithCommand sets how worker command lines are built.
func WithCommand(fn CommandFunc) Option {
	return func(c *Coordinator) { c.command = fn }
}

// WithChildWatcher lets worker exits cut the poll sleep short. Pair it with
// process.ExecSpawner{OnExit: w.Notify}.
func WithChildWatcher(w *process.ChildWatcher) Option {
	return func(c *Coordinator) { c.watcher = w }
}

// WithAdopt overrides how workers from an earlier run are re-attached.
func WithAdopt(fn func(pid int, started time.Time) process.Handle) Option {
	return func(c *Coordinator) { c.adopt = fn }
}

// New creates a coordinator.
func New(opts Options, store *queue.FileStore, tracker IssueTracker, ws Workspaces, spawner process.Spawner, options ...Option) *Coordinator {
	c := &Coordinator{
		opts:    opts.withDefaults(),
		store:   store,
		tracker: tracker,
		ws:      ws,
		spawner: spawner,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   func() string { return uuid.New().String()[:8] },
		adopt:   process.Adopt,
		handles: make(map[string]process.Handle),
	}
	for _, o := range options {
		o(c)
	}
	if c.command == nil {
		exe, err := os.Executable()
		if err != nil {
			exe = "tacx"
		}
		c.command = WorkerCommand(exe)
	}
	return c
}

// Run ticks until ctx is cancelled. Cancellation stops new spawns only;
// running workers are left alone and reconciled by a later run.
func (c *Coordinator) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if c.watcher != nil {
		wake = c.watcher.C()
	}
	c.logger.Info("coordinator started",
		"queue", c.store.Path(),
		"label", c.opts.Label,
		"max_workers", c.opts.MaxConcurrentWorkers,
		"poll_interval", c.opts.PollInterval.String())

	for {
		if ctx.Err() != nil {
			c.logger.Info("coordinator stopping", "active_workers", len(c.handles))
			return nil
		}
		if _, err := c.Tick(ctx); err != nil {
			c.logger.Error("tick failed", "error", err)
		}
		c.sleep(ctx, wake)
	}
}

// sleep waits out the poll interval. A wakeup ends it early only when a
// tracked worker has exited; the gh and git commands a tick runs raise
// SIGCHLD too.
func (c *Coordinator) sleep(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(c.opts.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-wake:
			if c.workerExited() {
				return
			}
		}
	}
}

// workerExited reports whether any tracked worker has exited and is waiting
// to be reconciled.
func (c *Coordinator) workerExited() bool {
	for _, h := range c.handles {
		if _, exited := h.Poll(); exited {
			return true
		}
	}
	return false
}

// Tick runs one iteration: poll, reconcile, claim, spawn, persist.
// Per-task problems are logged and fed to that task's retry record; only a
// queue file that cannot be read or written fails the tick.
func (c *Coordinator) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	q, err := c.store.Load()
	if err != nil {
		return report, err
	}

	c.poll(q, &report)
	c.reconcile(q, &report)

	slots := c.opts.MaxConcurrentWorkers - q.CountActive()
	ready := c.readyTasks(q)

	for _, t := range ready {
		if slots <= 0 || ctx.Err() != nil {
			break
		}
		lastPID := t.PID
		if err := c.claim(q, t); err != nil {
			return report, err
		}
		report.Claimed++
		if c.start(t, lastPID, &report) {
			report.Spawned++
			slots--
		}
	}

	if err := c.store.Save(q); err != nil {
		return report, err
	}
	c.observe(q)
	return report, nil
}

func (c *Coordinator) poll(q *queue.Queue, report *TickReport) {
	issues, err := c.tracker.ListIssues(c.opts.Label)
	if err != nil {
		c.logger.Warn("issue poll failed", "label", c.opts.Label, "error", err)
		return
	}
	for _, is := range issues {
		t := queue.NewTask(c.opts.Source, is.Number, is.Title, Priority(is.LabelNames(), c.opts.DefaultPriority), c.opts.MaxAttempts)
		if q.Add(t) {
			report.Discovered++
			telemetry.TasksDiscovered.Inc()
			c.logger.Info("task discovered", "task_id", t.ID, "priority", t.Priority)
		}
	}
}

var priorityRe = regexp.MustCompile(`(?i)^(?:p|priority:\s*)(\d+)$`)

// Priority reads p<N> or priority:N labels. The most urgent label wins;
// without one, def is used.
func Priority(labels []string, def int) int {
	best := -1
	for _, l := range labels {
		m := priorityRe.FindStringSubmatch(strings.TrimSpace(l))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if best < 0 || n < best {
			best = n
		}
	}
	if best < 0 {
		return def
	}
	return best
}

func (c *Coordinator) reconcile(q *queue.Queue, report *TickReport) {
	for _, t := range q.ByStatus(queue.Active) {
		h, ok := c.handles[t.ID]
		if !ok {
			if t.PID <= 0 {
				// Claimed, then the coordinator stopped before the spawn.
				c.logger.Warn("active task has no worker; requeueing", "task_id", t.ID, "worker_id", t.WorkerID)
				t.Requeue("coordinator stopped before the worker started")
				report.Requeued++
				telemetry.TasksFinished.WithLabelValues("requeued").Inc()
				continue
			}
			h = c.adopt(t.PID, t.Started)
			c.handles[t.ID] = h
			c.logger.Info("adopted worker", "task_id", t.ID, "worker_id", t.WorkerID, "pid", t.PID)
		}

		status, exited := h.Poll()
		if !exited {
			continue
		}
		delete(c.handles, t.ID)
		c.finish(t, status, c.runTime(t, h, status), report)
	}
}

// runTime is how long the worker ran. Spawned handles record the moment
// the child was reaped; adopted ones only know when the exit was noticed.
func (c *Coordinator) runTime(t *queue.Task, h process.Handle, status process.ExitStatus) time.Duration {
	if !status.ExitedAt.IsZero() {
		return status.ExitedAt.Sub(h.Started())
	}
	return t.Elapsed(c.now())
}

// finish decides what an exited worker achieved: a PR means completed, the
// blocked sentinel means waiting on a human, anything else is a failed
// attempt.
func (c *Coordinator) finish(t *queue.Task, status process.ExitStatus, elapsed time.Duration, report *TickReport) {
	now := c.now()
	instant := elapsed < c.opts.InstantFailureThreshold
	logPath := c.logPath(t)
	path := c.ws.Path(t.ID)
	log := c.logger.With("task_id", t.ID, "worker_id", t.WorkerID)

	telemetry.WorkerRunSeconds.Observe(elapsed.Seconds())
	usage, err := agent.ParseUsageFile(logPath)
	if err != nil {
		log.Warn("read worker usage", "error", err)
	}
	telemetry.WorkerTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	telemetry.WorkerTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
	telemetry.WorkerCostUSD.Add(usage.CostUSD)
	log.Info("worker exited",
		"exit_code", status.Code,
		"signal", status.Signal,
		"elapsed", elapsed.Round(time.Second).String(),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost_usd", usage.CostUSD)

	pr, err := c.tracker.FindPRByBranch(t.Branch)
	if err != nil {
		log.Warn("pull request lookup failed", "branch", t.Branch, "error", err)
	}
	if pr != nil {
		t.PRURL = pr.URL
		t.CommitHash = pr.HeadRefOid
		if t.CommitHash == "" {
			if head, err := c.ws.HeadCommit(path); err == nil {
				t.CommitHash = head
			}
		}
		t.Finish(queue.Completed, "", now)
		report.Completed++
		telemetry.TasksFinished.WithLabelValues("completed").Inc()
		log.Info("task completed", "pr_url", pr.URL)

		body := fmt.Sprintf("TAC-X worker `%s` opened %s for this issue.", t.WorkerID, pr.URL)
		if err := c.tracker.Comment(t.IssueNumber, body); err != nil {
			log.Warn("comment on issue failed", "issue", t.IssueNumber, "error", err)
		}
		if err := c.ws.Remove(t.ID, true); err != nil {
			log.Warn("workspace cleanup failed", "error", err)
		}
		return
	}

	if reason, ok := pipeline.ReadBlocked(path); ok {
		if reason == "" {
			reason = stage.NotApproved
		}
		t.Finish(queue.Blocked, reason, now)
		report.Blocked++
		telemetry.TasksFinished.WithLabelValues("blocked").Inc()
		log.Info("task blocked", "reason", reason, "workspace", path)
		return
	}

	reason := agent.LastErrorFile(logPath)
	if reason == "" {
		reason = fmt.Sprintf("worker exited with code %d", status.Code)
		if status.Signal != "" {
			reason += " (" + status.Signal + ")"
		}
		if instant {
			reason += fmt.Sprintf(" after %s", elapsed.Round(time.Second))
		}
	}
	var code *int
	if status.Code >= 0 {
		code = failure.ExitCode(status.Code)
	}
	kind := failure.Categorize(reason, failure.Context{ExitCode: code, InstantFailure: instant})
	c.recordFailure(t, kind, reason, report)
}

// recordFailure charges a failure to the task and either requeues it or
// fails it for good.
func (c *Coordinator) recordFailure(t *queue.Task, kind failure.Kind, reason string, report *TickReport) {
	now := c.now()
	log := c.logger.With("task_id", t.ID, "worker_id", t.WorkerID)
	t.Tracking.RecordFailure(kind, now)
	telemetry.TaskFailures.WithLabelValues(string(kind)).Inc()

	if t.Tracking.CanRetry() {
		t.Requeue(reason)
		report.Requeued++
		telemetry.TasksFinished.WithLabelValues("requeued").Inc()
		log.Warn("task failed; requeued",
			"kind", kind,
			"attempt", t.Tracking.AttemptCount,
			"max_attempts", t.Tracking.MaxAttempts,
			"backoff", t.Tracking.CalculateBackoff(c.opts.Policy).String(),
			"reason", reason)
		return
	}

	t.Finish(queue.Failed, reason, now)
	report.Failed++
	telemetry.TasksFinished.WithLabelValues("failed").Inc()
	log.Error("task failed permanently",
		"kind", kind,
		"attempts", t.Tracking.AttemptCount,
		"reason", reason,
		"alerts", t.Tracking.Alerts())
}

// readyTasks returns the pending tasks whose backoff has elapsed, most
// urgent first, queue order breaking ties. Pending tasks without retries
// left are moved to failed.
func (c *Coordinator) readyTasks(q *queue.Queue) []*queue.Task {
	now := c.now()
	var ready []*queue.Task
	for _, t := range q.ByStatus(queue.Pending) {
		if !t.Tracking.CanRetry() {
			t.Finish(queue.Failed, "no attempts left", now)
			c.logger.Warn("pending task has no attempts left", "task_id", t.ID, "alerts", t.Tracking.Alerts())
			continue
		}
		if t.Tracking.IsReadyForRetry(c.opts.Policy, now) {
			ready = append(ready, t)
			continue
		}
		c.logger.Info("task in backoff",
			"task_id", t.ID,
			"remaining", t.Tracking.RemainingBackoff(c.opts.Policy, now).Round(time.Second).String(),
			"attempt", t.Tracking.AttemptCount)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority < ready[j].Priority
	})
	return ready
}

// claim marks t active and persists the queue before anything else happens,
// so a crash cannot leave a running worker without a record.
func (c *Coordinator) claim(q *queue.Queue, t *queue.Task) error {
	workerID := c.newID()
	t.Claim(workerID, c.displayPath(c.ws.Path(t.ID)), c.now())
	if err := c.store.Save(q); err != nil {
		return fmt.Errorf("persist claim of %s: %w", t.ID, err)
	}
	telemetry.TasksClaimed.Inc()
	c.logger.Info("task claimed", "task_id", t.ID, "worker_id", workerID, "priority", t.Priority)
	return nil
}

// start provisions the workspace and spawns the worker. lastPID is the
// previous worker's process, which Provision must not clobber while alive.
// Failures are charged to the task and reported as false.
func (c *Coordinator) start(t *queue.Task, lastPID int, report *TickReport) bool {
	log := c.logger.With("task_id", t.ID, "worker_id", t.WorkerID)

	path, decision, err := c.ws.Provision(worktree.ProvisionOpts{
		TaskID:   t.ID,
		Branch:   t.Branch,
		OwnerPID: lastPID,
		FreshFor: c.opts.WorktreeFreshness,
		Now:      c.now(),
	})
	if err != nil {
		kind := failure.Categorize(err.Error(), failure.Context{})
		if kind == failure.Unknown {
			kind = failure.WorkspaceError
		}
		c.recordFailure(t, kind, "provision workspace: "+err.Error(), report)
		return false
	}
	log.Info("workspace ready", "path", path, "decision", string(decision))

	task := stage.Task{
		ID:          t.ID,
		IssueNumber: t.IssueNumber,
		Title:       t.Description,
		Description: t.Description,
		Worktree:    path,
		Branch:      t.Branch,
		BaseBranch:  c.opts.BaseBranch,
	}
	if is, err := c.tracker.GetIssue(t.IssueNumber); err != nil {
		log.Warn("fetch issue body failed; using title", "error", err)
	} else if strings.TrimSpace(is.Body) != "" {
		task.Description = is.Body
	}

	name, args := c.command(task, t.WorkerID)
	h, err := c.spawner.Spawn(process.Spec{
		Name:    name,
		Args:    args,
		Dir:     path,
		LogPath: c.logPath(t),
	})
	if err != nil {
		reason := "spawn worker: " + err.Error()
		kind := failure.Categorize(reason, failure.Context{InstantFailure: true})
		c.recordFailure(t, kind, reason, report)
		return false
	}

	t.PID = h.PID()
	t.Started = h.Started().UTC()
	c.handles[t.ID] = h
	log.Info("worker spawned", "pid", t.PID, "log", c.logPath(t))
	return true
}

func (c *Coordinator) observe(q *queue.Queue) {
	counts := q.Counts()
	telemetry.ActiveWorkers.Set(float64(counts[queue.Active]))
	telemetry.PendingTasks.Set(float64(counts[queue.Pending]))
}

// logPath is where a worker's stdout and stderr go.
func (c *Coordinator) logPath(t *queue.Task) string {
	return filepath.Join(c.opts.LogsDir, t.ID, t.WorkerID+".log")
}

// displayPath shows workspace paths relative to the repository when possible.
func (c *Coordinator) displayPath(path string) string {
	if c.opts.RepoDir == "" {
		return path
	}
	rel, err := filepath.Rel(c.opts.RepoDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
