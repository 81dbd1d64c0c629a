// Package queue holds the coordinator's task list and its markdown file form.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/tacx/internal/failure"
)

// Status is where a task sits in the queue.
type Status string

const (
	Pending   Status = "pending"
	Active    Status = "active"
	Completed Status = "completed"
	Failed    Status = "failed"
	Blocked   Status = "blocked"
)

// Statuses lists every status in section order.
var Statuses = []Status{Pending, Active, Completed, Failed, Blocked}

// SourceGitHub is the only issue source the coordinator polls today.
const SourceGitHub = "github"

// DefaultPriority is used when an issue carries no priority label.
const DefaultPriority = 3

// Task is one unit of work, one issue.
type Task struct {
	ID          string
	Source      string
	IssueNumber int
	Description string
	Priority    int
	Status      Status

	WorkerID   string
	TreePath   string
	Branch     string
	PID        int
	Started    time.Time
	Completed  time.Time
	CommitHash string
	PRURL      string
	Error      string

	Tracking failure.Tracking
}

// TaskID derives the queue id for an issue.
func TaskID(source string, issue int) string {
	prefix := source
	if source == "" || source == SourceGitHub {
		prefix = "gh"
	}
	return fmt.Sprintf("%s-%d", prefix, issue)
}

// BranchName is the branch a task's worker commits to. It is stable across
// retries so earlier commits are picked up again.
func BranchName(taskID string) string {
	return "tacx/" + taskID
}

// NewTask returns a pending task for an issue.
func NewTask(source string, issue int, description string, priority, maxAttempts int) *Task {
	if source == "" {
		source = SourceGitHub
	}
	return &Task{
		ID:          TaskID(source, issue),
		Source:      source,
		IssueNumber: issue,
		Description: oneLine(description),
		Priority:    priority,
		Status:      Pending,
		Tracking:    failure.NewTracking(maxAttempts),
	}
}

// Claim moves a pending task to active under a new worker.
func (t *Task) Claim(workerID, treePath string, now time.Time) {
	t.Status = Active
	t.WorkerID = workerID
	t.TreePath = treePath
	if t.Branch == "" {
		t.Branch = BranchName(t.ID)
	}
	t.PID = 0
	t.Started = now.UTC()
	t.Completed = time.Time{}
	t.Error = ""
}

// Requeue returns the task to pending after a retryable failure. The
// worker id is cleared; the last PID is kept so the next claim can check the
// old worker is gone before touching its workspace.
func (t *Task) Requeue(reason string) {
	t.Status = Pending
	t.WorkerID = ""
	t.Error = reason
}

// Finish moves the task to a terminal or soft-terminal status.
func (t *Task) Finish(status Status, reason string, now time.Time) {
	t.Status = status
	t.PID = 0
	t.Completed = now.UTC()
	t.Error = reason
}

// Elapsed is how long the current worker has been running.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.Started.IsZero() {
		return 0
	}
	return now.Sub(t.Started)
}

// ShortCommit is the abbreviated commit hash shown in the queue file.
func (t *Task) ShortCommit() string {
	if len(t.CommitHash) > 7 {
		return t.CommitHash[:7]
	}
	return t.CommitHash
}

// Queue is the ordered task list. Order is insertion order and breaks
// priority ties.
type Queue struct {
	Tasks []*Task
}

// Get returns the task with id, or nil.
func (q *Queue) Get(id string) *Task {
	for _, t := range q.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Add appends t unless a task with the same id exists. It reports whether
// the task was added.
func (q *Queue) Add(t *Task) bool {
	if q.Get(t.ID) != nil {
		return false
	}
	q.Tasks = append(q.Tasks, t)
	return true
}

// ByStatus returns the tasks in status s, in queue order.
func (q *Queue) ByStatus(s Status) []*Task {
	var out []*Task
	for _, t := range q.Tasks {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

// CountActive is the number of tasks holding a worker slot.
func (q *Queue) CountActive() int {
	return len(q.ByStatus(Active))
}

// Counts returns the number of tasks in each status.
func (q *Queue) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, t := range q.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Retry puts a failed or blocked task back to pending with a fresh attempt
// budget.
func (q *Queue) Retry(id string) error {
	t := q.Get(id)
	if t == nil {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status != Failed && t.Status != Blocked {
		return fmt.Errorf("task %s is %s; only failed or blocked tasks can be retried", id, t.Status)
	}
	t.Tracking.Reset()
	t.Requeue("")
	t.Completed = time.Time{}
	return nil
}

// Fail marks a task failed by hand. Its retry history is kept.
func (q *Queue) Fail(id, reason string, now time.Time) error {
	t := q.Get(id)
	if t == nil {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status == Completed || t.Status == Failed {
		return fmt.Errorf("task %s is already %s", id, t.Status)
	}
	if reason == "" {
		reason = "failed by operator"
	}
	t.Finish(Failed, reason, now)
	return nil
}

// Unblock returns a blocked task to pending with its retry history intact.
func (q *Queue) Unblock(id string) error {
	t := q.Get(id)
	if t == nil {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status != Blocked {
		return fmt.Errorf("task %s is %s, not blocked", id, t.Status)
	}
	t.Requeue("")
	t.Completed = time.Time{}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
