package worktree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/tacx/internal/process"
)

// DefaultFreshness is how recently a dirty workspace must have been touched
// to be kept as in-progress work rather than treated as crash debris.
const DefaultFreshness = 60 * time.Minute

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager handles git worktree operations.
type Manager struct {
	git        GitRunner
	baseDir    string // where worktrees are created (repo-root/trees/)
	repoDir    string // git repo root
	baseBranch string
	alive      func(pid int) bool
}

// NewManager creates a worktree manager.
func NewManager(git GitRunner, repoDir, baseDir, baseBranch string) *Manager {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir, baseBranch: baseBranch, alive: process.Alive}
}

// SetAliveFunc overrides the PID liveness probe (for testing).
func (m *Manager) SetAliveFunc(fn func(pid int) bool) {
	m.alive = fn
}

// Path returns the worktree path for a task.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.baseDir, taskID)
}

// CreateOpts holds options for creating a worktree.
type CreateOpts struct {
	TaskID string
	Branch string
}

// Create creates a git worktree for a task on its branch, branching from the
// remote base branch. An existing branch is checked out as is, so retries
// keep earlier commits.
func (m *Manager) Create(opts CreateOpts) (string, error) {
	if err := validateTaskID(opts.TaskID); err != nil {
		return "", err
	}
	branch := SanitizeBranch(opts.Branch)
	if branch == "" {
		return "", fmt.Errorf("invalid branch name %q", opts.Branch)
	}
	path := m.Path(opts.TaskID)
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create trees dir: %w", err)
	}

	// Best-effort fetch so the branch starts from an up-to-date base.
	m.git.Run(m.repoDir, "fetch", "origin", m.baseBranch)
	// Drop registrations of worktrees whose directories are gone.
	m.git.Run(m.repoDir, "worktree", "prune")

	_, err := m.git.Run(m.repoDir, "worktree", "add", path, "-b", branch, "origin/"+m.baseBranch)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("create worktree: %w", err)
		}
		if _, err := m.git.Run(m.repoDir, "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("create worktree: %w", err)
		}
	}
	return path, nil
}

// Remove removes a task's worktree. Without force, git refuses to remove a
// worktree holding uncommitted changes.
func (m *Manager) Remove(taskID string, force bool) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, m.Path(taskID))
	if _, err := m.git.Run(m.repoDir, args...); err != nil {
		if !force {
			return fmt.Errorf("remove worktree: %w", err)
		}
		// The directory may not be a registered worktree any more.
		if rmErr := os.RemoveAll(m.Path(taskID)); rmErr != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
		m.git.Run(m.repoDir, "worktree", "prune")
	}
	return nil
}

// Exists reports whether the task's worktree directory is present.
func (m *Manager) Exists(taskID string) bool {
	info, err := os.Stat(m.Path(taskID))
	return err == nil && info.IsDir()
}

// HasUncommittedChanges reports whether git sees changes in path.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	out, err := m.git.Run(path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// HeadCommit returns the commit checked out in path.
func (m *Manager) HeadCommit(path string) (string, error) {
	out, err := m.git.Run(path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return out, nil
}

// LatestModTime returns the newest modification time of any file under
// path, ignoring the .git entry.
func LatestModTime(path string) (time.Time, error) {
	var latest time.Time
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Name() == ".git" && p != path {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if t := info.ModTime(); t.After(latest) {
			latest = t
		}
		return nil
	})
	return latest, err
}

// Decision records what Provision did with an existing workspace.
type Decision string

const (
	Created     Decision = "created"
	ReusedLive  Decision = "reused_live_owner"
	ReusedFresh Decision = "reused_fresh_changes"
	Recreated   Decision = "recreated"
)

// ProvisionOpts controls workspace provisioning.
type ProvisionOpts struct {
	TaskID   string
	Branch   string
	OwnerPID int           // PID recorded for the task's previous worker, if any
	FreshFor time.Duration // defaults to DefaultFreshness
	Now      time.Time
}

// Provision makes sure a workspace exists for the task and says how.
// An existing workspace is reused while its recorded owner is alive, or
// while it holds uncommitted changes touched within FreshFor. Anything else
// is removed and recreated.
func (m *Manager) Provision(opts ProvisionOpts) (string, Decision, error) {
	path := m.Path(opts.TaskID)
	if !m.Exists(opts.TaskID) {
		p, err := m.Create(CreateOpts{TaskID: opts.TaskID, Branch: opts.Branch})
		return p, Created, err
	}

	if opts.OwnerPID > 0 && m.alive(opts.OwnerPID) {
		return path, ReusedLive, nil
	}

	fresh := opts.FreshFor
	if fresh <= 0 {
		fresh = DefaultFreshness
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	dirty, err := m.HasUncommittedChanges(path)
	if err == nil && dirty {
		if mod, err := LatestModTime(path); err == nil && now.Sub(mod) < fresh {
			return path, ReusedFresh, nil
		}
	}

	if err := m.Remove(opts.TaskID, true); err != nil {
		return "", "", fmt.Errorf("remove stale worktree: %w", err)
	}
	p, err := m.Create(CreateOpts{TaskID: opts.TaskID, Branch: opts.Branch})
	if err != nil {
		return "", "", err
	}
	return p, Recreated, nil
}

var taskIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func validateTaskID(id string) error {
	if !taskIDRe.MatchString(id) {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)

// SanitizeBranch cleans up a branch name.
func SanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-/.")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
