package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/tacx/internal/failure"
	"github.com/lucasnoah/tacx/internal/github"
	"github.com/lucasnoah/tacx/internal/pipeline"
	"github.com/lucasnoah/tacx/internal/process"
	"github.com/lucasnoah/tacx/internal/queue"
	"github.com/lucasnoah/tacx/internal/stage"
	"github.com/lucasnoah/tacx/internal/worktree"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeTracker struct {
	issues    []github.Issue
	listErr   error
	listCalls int
	bodies    map[int]string
	prs       map[string]*github.PR
	comments  map[int][]string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{bodies: map[int]string{}, prs: map[string]*github.PR{}, comments: map[int][]string{}}
}

func (f *fakeTracker) ListIssues(label string) ([]github.Issue, error) {
	f.listCalls++
	return f.issues, f.listErr
}

func (f *fakeTracker) GetIssue(n int) (*github.Issue, error) {
	body, ok := f.bodies[n]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", n)
	}
	return &github.Issue{Number: n, Body: body}, nil
}

func (f *fakeTracker) Comment(n int, body string) error {
	f.comments[n] = append(f.comments[n], body)
	return nil
}

func (f *fakeTracker) FindPRByBranch(branch string) (*github.PR, error) {
	return f.prs[branch], nil
}

func issue(n int, title string, labels ...string) github.Issue {
	is := github.Issue{Number: n, Title: title}
	for _, l := range labels {
		is.Labels = append(is.Labels, github.Label{Name: l})
	}
	return is
}

type fakeWorkspaces struct {
	base       string
	provisions []worktree.ProvisionOpts
	removed    []string
	err        error
	failFor    map[string]error
}

func (f *fakeWorkspaces) Path(taskID string) string { return filepath.Join(f.base, taskID) }

func (f *fakeWorkspaces) Provision(opts worktree.ProvisionOpts) (string, worktree.Decision, error) {
	f.provisions = append(f.provisions, opts)
	if f.err != nil {
		return "", "", f.err
	}
	if err := f.failFor[opts.TaskID]; err != nil {
		return "", "", err
	}
	path := f.Path(opts.TaskID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", err
	}
	return path, worktree.Created, nil
}

func (f *fakeWorkspaces) Remove(taskID string, force bool) error {
	f.removed = append(f.removed, taskID)
	return nil
}

func (f *fakeWorkspaces) HeadCommit(path string) (string, error) { return "0123456789abcdef", nil }

type fakeHandle struct {
	pid     int
	started time.Time
	status  *process.ExitStatus
}

func (h *fakeHandle) PID() int           { return h.pid }
func (h *fakeHandle) Started() time.Time { return h.started }
func (h *fakeHandle) Poll() (process.ExitStatus, bool) {
	if h.status == nil {
		return process.ExitStatus{}, false
	}
	return *h.status, true
}

func (h *fakeHandle) exit(code int) { h.status = &process.ExitStatus{Code: code} }

type fakeSpawner struct {
	clock   *fakeClock
	nextPID int
	specs   []process.Spec
	handles map[string]*fakeHandle // by workspace dir
	onSpawn func(spec process.Spec)
	err     error
}

func (f *fakeSpawner) Spawn(spec process.Spec) (process.Handle, error) {
	if f.onSpawn != nil {
		f.onSpawn(spec)
	}
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	f.nextPID++
	h := &fakeHandle{pid: 1000 + f.nextPID, started: f.clock.Now()}
	f.handles[filepath.Base(spec.Dir)] = h
	return h, nil
}

type testEnv struct {
	c       *Coordinator
	store   *queue.FileStore
	tracker *fakeTracker
	ws      *fakeWorkspaces
	spawner *fakeSpawner
	clock   *fakeClock
	opts    Options
}

func newEnv(t *testing.T, mutate func(*Options), extra ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{t: t0}
	opts := Options{
		RepoDir:              dir,
		LogsDir:              filepath.Join(dir, "logs"),
		Label:                "tacx",
		BaseBranch:           "main",
		MaxConcurrentWorkers: 1,
		MaxAttempts:          3,
		PollInterval:         10 * time.Millisecond,
		Policy:               failure.Policy{Base: time.Minute, StartupBase: 10 * time.Second, Max: 30 * time.Minute},
	}
	if mutate != nil {
		mutate(&opts)
	}

	env := &testEnv{
		store:   queue.NewFileStore(filepath.Join(dir, "TASKS.md")),
		tracker: newFakeTracker(),
		ws:      &fakeWorkspaces{base: filepath.Join(dir, "trees")},
		spawner: &fakeSpawner{clock: clock, handles: map[string]*fakeHandle{}},
		clock:   clock,
		opts:    opts,
	}
	n := 0
	options := append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock.Now),
		WithWorkerIDs(func() string { n++; return fmt.Sprintf("w%07d", n) }),
		WithCommand(WorkerCommand("/usr/local/bin/tacx", "--log-level", "debug")),
	}, extra...)
	env.c = New(opts, env.store, env.tracker, env.ws, env.spawner, options...)
	return env
}

func (e *testEnv) tick(t *testing.T) TickReport {
	t.Helper()
	r, err := e.c.Tick(context.Background())
	require.NoError(t, err)
	return r
}

func (e *testEnv) persisted(t *testing.T, id string) *queue.Task {
	t.Helper()
	q, err := e.store.Load()
	require.NoError(t, err)
	task := q.Get(id)
	require.NotNil(t, task, "task %s not in queue file", id)
	return task
}

func TestPriorityOrderingEndToEnd(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{
		issue(1, "Lower priority", "tacx", "p1"),
		issue(2, "Urgent fix", "tacx", "p0"),
	}
	env.tracker.bodies[2] = "The full issue body."

	r := env.tick(t)
	assert.Equal(t, 2, r.Discovered)
	assert.Equal(t, 1, r.Claimed)
	assert.Equal(t, 1, r.Spawned)

	assert.Equal(t, queue.Active, env.persisted(t, "gh-2").Status)
	assert.Equal(t, queue.Pending, env.persisted(t, "gh-1").Status)
	require.Len(t, env.spawner.specs, 1)

	spec := env.spawner.specs[0]
	assert.Equal(t, "/usr/local/bin/tacx", spec.Name)
	assert.Equal(t, filepath.Join(env.ws.base, "gh-2"), spec.Dir)
	assert.Equal(t, filepath.Join(env.opts.LogsDir, "gh-2", "w0000001.log"), spec.LogPath)
	require.GreaterOrEqual(t, len(spec.Args), 6)
	assert.Equal(t, []string{"worker", "run", "--task"}, spec.Args[:3])
	var task stage.Task
	require.NoError(t, json.Unmarshal([]byte(spec.Args[3]), &task))
	assert.Equal(t, "gh-2", task.ID)
	assert.Equal(t, 2, task.IssueNumber)
	assert.Equal(t, "Urgent fix", task.Title)
	assert.Equal(t, "The full issue body.", task.Description)
	assert.Equal(t, "tacx/gh-2", task.Branch)
	assert.Equal(t, "main", task.BaseBranch)
	assert.Equal(t, []string{"--worker-id", "w0000001", "--log-level", "debug"}, spec.Args[4:])

	active := env.persisted(t, "gh-2")
	assert.Equal(t, "w0000001", active.WorkerID)
	assert.Equal(t, filepath.Join("trees", "gh-2"), active.TreePath)
	assert.Equal(t, 1001, active.PID)

	// The slot is taken while the worker runs.
	env.clock.Advance(time.Minute)
	r = env.tick(t)
	assert.Zero(t, r.Claimed)
	assert.Equal(t, queue.Pending, env.persisted(t, "gh-1").Status)

	// Worker opens a PR and exits; the slot frees and gh-1 goes next.
	env.tracker.prs["tacx/gh-2"] = &github.PR{Number: 5, URL: "https://github.com/o/r/pull/5", HeadRefOid: "feedface00"}
	env.spawner.handles["gh-2"].exit(0)
	env.clock.Advance(20 * time.Minute)
	r = env.tick(t)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 1, r.Claimed)

	done := env.persisted(t, "gh-2")
	assert.Equal(t, queue.Completed, done.Status)
	assert.Equal(t, "feedface00", done.CommitHash)
	assert.Equal(t, "https://github.com/o/r/pull/5", done.PRURL)
	assert.Equal(t, []string{"gh-2"}, env.ws.removed)
	require.Len(t, env.tracker.comments[2], 1)
	assert.Contains(t, env.tracker.comments[2][0], "https://github.com/o/r/pull/5")

	assert.Equal(t, queue.Active, env.persisted(t, "gh-1").Status)
}

func TestStartupFailureIsRequeued(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{issue(7, "Quick crash", "tacx")}

	env.tick(t)
	env.clock.Advance(3 * time.Second)
	env.spawner.handles["gh-7"].exit(1)

	r := env.tick(t)
	assert.Equal(t, 1, r.Requeued)
	assert.Zero(t, r.Claimed, "startup backoff has not elapsed")

	task := env.persisted(t, "gh-7")
	assert.Equal(t, queue.Pending, task.Status)
	assert.Equal(t, 1, task.Tracking.AttemptCount)
	assert.Equal(t, []failure.Kind{failure.StartupError}, task.Tracking.FailureHistory)
	assert.Equal(t, len(task.Tracking.FailureHistory), task.Tracking.AttemptCount)
	assert.Contains(t, task.Error, "code 1")
	assert.Empty(t, env.ws.removed, "workspace kept for debugging")

	env.clock.Advance(10 * time.Second)
	r = env.tick(t)
	assert.Equal(t, 1, r.Claimed)
	again := env.persisted(t, "gh-7")
	assert.Equal(t, queue.Active, again.Status)
	assert.Equal(t, "w0000002", again.WorkerID)
	assert.Equal(t, "tacx/gh-7", again.Branch)
	require.Len(t, env.ws.provisions, 2)
	assert.Equal(t, 1001, env.ws.provisions[1].OwnerPID, "previous worker checked before reuse")
}

func TestClaimIsPersistedBeforeSpawn(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{issue(3, "Check ordering", "tacx")}

	var seen *queue.Task
	env.spawner.onSpawn = func(spec process.Spec) {
		q, err := env.store.Load()
		require.NoError(t, err)
		seen = q.Get("gh-3")
	}
	env.tick(t)

	require.NotNil(t, seen, "task must be on disk before the spawn")
	assert.Equal(t, queue.Active, seen.Status)
	assert.Equal(t, "w0000001", seen.WorkerID)
	assert.Zero(t, seen.PID, "pid is recorded after the spawn")
}

func TestOrphanedClaimIsRequeued(t *testing.T) {
	env := newEnv(t, nil)
	q := &queue.Queue{}
	task := queue.NewTask(queue.SourceGitHub, 4, "Crashed mid-claim", 1, 3)
	task.Claim("dead0000", "trees/gh-4", t0)
	q.Add(task)
	require.NoError(t, env.store.Save(q))

	r := env.tick(t)
	assert.Equal(t, 1, r.Requeued)
	assert.Equal(t, 1, r.Claimed, "requeued task is picked up again in the same tick")
	got := env.persisted(t, "gh-4")
	assert.Equal(t, queue.Active, got.Status)
	assert.Zero(t, got.Tracking.AttemptCount, "not charged as a failure")
}

func TestBlockedSentinel(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{issue(9, "Needs human", "tacx")}
	env.tick(t)

	store := pipeline.NewStore(env.ws.Path("gh-9"))
	require.NoError(t, store.WriteBlocked(stage.NotApproved))
	env.spawner.handles["gh-9"].exit(0)
	env.clock.Advance(30 * time.Minute)

	r := env.tick(t)
	assert.Equal(t, 1, r.Blocked)
	task := env.persisted(t, "gh-9")
	assert.Equal(t, queue.Blocked, task.Status)
	assert.Equal(t, stage.NotApproved, task.Error)
	assert.Empty(t, env.ws.removed, "blocked workspace is preserved")
	assert.Empty(t, env.tracker.comments)
	assert.Zero(t, task.Tracking.AttemptCount)
}

func TestPermanentFailure(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.MaxAttempts = 1 })
	env.tracker.issues = []github.Issue{issue(5, "Slow one", "tacx")}
	env.tick(t)

	logPath := env.spawner.specs[0].LogPath
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	log := strings.Join([]string{
		`{"level":"INFO","msg":"stage started","stage":"planning"}`,
		`{"level":"ERROR","msg":"pipeline failed","error":"planning: agent timed out"}`,
		`{"level":"INFO","msg":"worker finished","usage":{"input_tokens":1200,"output_tokens":300,"cost_usd":0.42}}`,
	}, "\n")
	require.NoError(t, os.WriteFile(logPath, []byte(log), 0o644))

	env.spawner.handles["gh-5"].exit(1)
	env.clock.Advance(time.Hour)
	r := env.tick(t)
	assert.Equal(t, 1, r.Failed)

	task := env.persisted(t, "gh-5")
	assert.Equal(t, queue.Failed, task.Status)
	assert.Equal(t, []failure.Kind{failure.Timeout}, task.Tracking.FailureHistory)
	assert.Equal(t, "planning: agent timed out", task.Error)
	assert.False(t, task.Tracking.CanRetry())

	data, err := os.ReadFile(env.store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "[\u2620\ufe0f w0000001] gh-5: Slow one")
	assert.Contains(t, string(data), "- alert: failed 1/1 attempts")

	// Failed tasks are never picked up again.
	env.clock.Advance(24 * time.Hour)
	r = env.tick(t)
	assert.Zero(t, r.Claimed)
}

func TestProvisionFailureIsCharged(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{issue(6, "Bad repo", "tacx")}
	env.ws.err = errors.New("fatal: not a git repository")

	r := env.tick(t)
	assert.Equal(t, 1, r.Claimed)
	assert.Zero(t, r.Spawned)
	assert.Equal(t, 1, r.Requeued)
	task := env.persisted(t, "gh-6")
	assert.Equal(t, queue.Pending, task.Status)
	assert.Equal(t, []failure.Kind{failure.WorkspaceError}, task.Tracking.FailureHistory)
	assert.Empty(t, env.spawner.specs)
}

func TestSpawnFailureIsStartupError(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{issue(8, "No binary", "tacx")}
	env.spawner.err = errors.New(`exec: "tacx": executable file not found in $PATH`)

	r := env.tick(t)
	assert.Zero(t, r.Spawned)
	task := env.persisted(t, "gh-8")
	assert.Equal(t, queue.Pending, task.Status)
	assert.Equal(t, []failure.Kind{failure.StartupError}, task.Tracking.FailureHistory)
}

func TestPollErrorIsContained(t *testing.T) {
	env := newEnv(t, nil)
	q := &queue.Queue{}
	q.Add(queue.NewTask(queue.SourceGitHub, 11, "Already queued", 2, 3))
	require.NoError(t, env.store.Save(q))
	env.tracker.listErr = errors.New("gh: not authenticated")

	r := env.tick(t)
	assert.Equal(t, 1, r.Claimed)
	assert.Equal(t, queue.Active, env.persisted(t, "gh-11").Status)
}

func TestDedupAcrossPolls(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.MaxConcurrentWorkers = 5 })
	env.tracker.issues = []github.Issue{issue(1, "One", "tacx")}
	env.tick(t)
	r := env.tick(t)
	assert.Zero(t, r.Discovered)

	q, err := env.store.Load()
	require.NoError(t, err)
	assert.Len(t, q.Tasks, 1)
}

func TestAdoptsWorkersFromEarlierRun(t *testing.T) {
	var adopted []int
	env := newEnv(t, nil, WithAdopt(func(pid int, started time.Time) process.Handle {
		adopted = append(adopted, pid)
		return &fakeHandle{pid: pid, started: started, status: &process.ExitStatus{Code: -1}}
	}))
	q := &queue.Queue{}
	task := queue.NewTask(queue.SourceGitHub, 12, "Left running", 1, 3)
	task.Claim("0ld0ld00", "trees/gh-12", t0)
	task.PID = 4321
	q.Add(task)
	require.NoError(t, env.store.Save(q))
	env.tracker.prs["tacx/gh-12"] = &github.PR{URL: "https://github.com/o/r/pull/12"}

	env.clock.Advance(40 * time.Minute)
	r := env.tick(t)
	assert.Equal(t, []int{4321}, adopted)
	assert.Equal(t, 1, r.Completed)
	got := env.persisted(t, "gh-12")
	assert.Equal(t, queue.Completed, got.Status)
	assert.Equal(t, "0123456789abcdef", got.CommitHash, "falls back to the workspace head")
}

func TestBackoffVisibility(t *testing.T) {
	env := newEnv(t, nil)
	q := &queue.Queue{}
	task := queue.NewTask(queue.SourceGitHub, 13, "Cooling down", 0, 3)
	task.Tracking.RecordFailure(failure.Unknown, t0)
	q.Add(task)
	require.NoError(t, env.store.Save(q))

	env.clock.Advance(30 * time.Second)
	r := env.tick(t)
	assert.Zero(t, r.Claimed)

	env.clock.Advance(30 * time.Second)
	r = env.tick(t)
	assert.Equal(t, 1, r.Claimed)
}

func TestPriority(t *testing.T) {
	tests := []struct {
		labels []string
		want   int
	}{
		{nil, 3},
		{[]string{"bug"}, 3},
		{[]string{"p0"}, 0},
		{[]string{"P2"}, 2},
		{[]string{"priority:1"}, 1},
		{[]string{"priority: 4", "p2"}, 2},
		{[]string{"p10x", "pp1"}, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Priority(tt.labels, 3), "labels %v", tt.labels)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.c.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Positive(t, env.tracker.listCalls)
}

func TestOptionsFromSettingsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 1, o.MaxConcurrentWorkers)
	assert.Equal(t, failure.DefaultMaxAttempts, o.MaxAttempts)
	assert.Equal(t, 10*time.Second, o.InstantFailureThreshold)
	assert.Equal(t, worktree.DefaultFreshness, o.WorktreeFreshness)
	assert.Equal(t, queue.DefaultPriority, o.DefaultPriority)
}

// shellTracker runs a short-lived child on every poll, like the gh client.
type shellTracker struct {
	*fakeTracker
	calls atomic.Int32
	polls chan struct{}
}

func newShellTracker(f *fakeTracker) *shellTracker {
	return &shellTracker{fakeTracker: f, polls: make(chan struct{}, 16)}
}

func (s *shellTracker) ListIssues(label string) ([]github.Issue, error) {
	_ = exec.Command("true").Run()
	s.calls.Add(1)
	select {
	case s.polls <- struct{}{}:
	default:
	}
	return s.fakeTracker.ListIssues(label)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunIgnoresUnrelatedChildExits(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.PollInterval = time.Hour })
	tracker := newShellTracker(env.tracker)
	w := process.WatchChildren()
	defer w.Stop()

	c := New(env.opts, env.store, tracker, env.ws, env.spawner,
		WithLogger(discardLogger()),
		WithClock(env.clock.Now),
		WithChildWatcher(w))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, int32(1), tracker.calls.Load(), "only the first tick may poll within the interval")
}

func TestRunWakesOnWorkerExit(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.PollInterval = time.Hour })
	env.tracker.issues = []github.Issue{issue(1, "Exits fast", "tacx")}
	env.clock.t = time.Now()
	tracker := newShellTracker(env.tracker)
	w := process.WatchChildren()
	defer w.Stop()

	c := New(env.opts, env.store, tracker, env.ws, &process.ExecSpawner{OnExit: w.Notify},
		WithLogger(discardLogger()),
		WithClock(env.clock.Now),
		WithChildWatcher(w),
		WithCommand(func(stage.Task, string) (string, []string) {
			return "sh", []string{"-c", "sleep 0.2"}
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-tracker.polls:
		case <-time.After(5 * time.Second):
			t.Fatalf("tick %d did not happen; worker exit should wake the loop", i+1)
		}
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, int32(2), tracker.calls.Load())
	task := env.persisted(t, "gh-1")
	assert.Equal(t, queue.Pending, task.Status)
	assert.Equal(t, []failure.Kind{failure.StartupError}, task.Tracking.FailureHistory)
}

func TestInstantFailureUsesExitTime(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{issue(1, "Crashes at once", "tacx")}
	env.clock.t = time.Now()

	c := New(env.opts, env.store, env.tracker, env.ws, &process.ExecSpawner{},
		WithLogger(discardLogger()),
		WithClock(env.clock.Now),
		WithCommand(func(stage.Task, string) (string, []string) {
			return "sh", []string{"-c", "exit 1"}
		}))

	r, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, r.Spawned)
	h := c.handles["gh-1"]
	require.NotNil(t, h)
	require.Eventually(t, func() bool {
		_, exited := h.Poll()
		return exited
	}, 5*time.Second, 10*time.Millisecond)

	// Noticed a full poll interval after the crash.
	env.clock.Advance(30 * time.Second)
	r, err = c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Requeued)

	task := env.persisted(t, "gh-1")
	assert.Equal(t, queue.Pending, task.Status)
	assert.Equal(t, []failure.Kind{failure.StartupError}, task.Tracking.FailureHistory)
	assert.Contains(t, task.Error, "code 1")
}

func TestFailedStartFreesSlot(t *testing.T) {
	env := newEnv(t, nil)
	env.tracker.issues = []github.Issue{
		issue(1, "Broken workspace", "tacx", "p0"),
		issue(2, "Healthy", "tacx", "p1"),
	}
	env.ws.failFor = map[string]error{"gh-1": errors.New("fatal: invalid reference")}

	r := env.tick(t)
	assert.Equal(t, 2, r.Claimed)
	assert.Equal(t, 1, r.Spawned)
	assert.Equal(t, queue.Active, env.persisted(t, "gh-2").Status)

	failed := env.persisted(t, "gh-1")
	assert.Equal(t, queue.Pending, failed.Status)
	assert.Equal(t, []failure.Kind{failure.WorkspaceError}, failed.Tracking.FailureHistory)
}

func TestWorkerCommandKeepsMarkup(t *testing.T) {
	body := strings.Repeat("<p>a & b</p>\n", 100)
	name, args := WorkerCommand("tacx")(stage.Task{ID: "gh-1", Description: body}, "w1")
	assert.Equal(t, "tacx", name)
	require.GreaterOrEqual(t, len(args), 4)

	arg := args[3]
	assert.Contains(t, arg, "<p>a & b</p>")
	assert.NotContains(t, arg, `\u003c`)
	assert.False(t, strings.HasSuffix(arg, "\n"), "no trailing newline from the encoder")

	var task stage.Task
	require.NoError(t, json.Unmarshal([]byte(arg), &task))
	assert.Equal(t, body, task.Description)
}
