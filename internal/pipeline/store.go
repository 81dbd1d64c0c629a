package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the orchestrator's directory inside each task workspace.
const DirName = ".tacx"

// BlockedSentinel is written when a task needs a human before it can continue.
const BlockedSentinel = "BLOCKED"

// ErrNotFound is returned when no state has been saved yet.
var ErrNotFound = errors.New("pipeline state not found")

// ErrArtifactMissing marks a stage that finished without its output file.
var ErrArtifactMissing = errors.New("artifact missing")

// Store manages pipeline state and artifacts within one workspace.
type Store struct {
	dir string // <worktree>/.tacx
}

// NewStore creates a Store for the given workspace.
func NewStore(worktree string) *Store {
	return &Store{dir: filepath.Join(worktree, DirName)}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Init creates the directory layout. The directory ignores itself so agent
// commits never pick up orchestrator files.
func (s *Store) Init() error {
	for _, sub := range []string{"", "prompts", "logs"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", sub, err)
		}
	}
	ignore := filepath.Join(s.dir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := WriteAtomic(ignore, []byte("*\n")); err != nil {
			return fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, "pipeline.json")
}

// Get reads the saved state. Returns ErrNotFound when none exists.
func (s *Store) Get() (*State, error) {
	var st State
	if err := ReadJSON(s.statePath(), &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if st.CompletedStages == nil {
		st.CompletedStages = map[string]bool{}
	}
	if st.StageResults == nil {
		st.StageResults = map[string]StageResult{}
	}
	return &st, nil
}

// Save persists the state atomically.
func (s *Store) Save(st *State) error {
	if err := WriteJSON(s.statePath(), st); err != nil {
		return fmt.Errorf("write pipeline.json: %w", err)
	}
	return nil
}

// Update performs a read-modify-write of the saved state.
func (s *Store) Update(fn func(*State)) error {
	st, err := s.Get()
	if err != nil {
		return err
	}
	fn(st)
	return s.Save(st)
}

// SavePrompt writes the rendered prompt for a stage.
func (s *Store) SavePrompt(stage, prompt string) (string, error) {
	path := filepath.Join(s.dir, "prompts", stage+".md")
	if err := WriteAtomic(path, []byte(prompt)); err != nil {
		return "", fmt.Errorf("save prompt for %s: %w", stage, err)
	}
	return path, nil
}

// LogPath returns the JSONL log path for a stage invocation. Fallback
// attempts get their own file so the primary log is never overwritten.
func (s *Store) LogPath(stage string, fallback bool) string {
	name := stage + ".jsonl"
	if fallback {
		name = stage + ".fallback.jsonl"
	}
	return filepath.Join(s.dir, "logs", name)
}

// ArtifactPath returns the path of a named stage artifact.
func (s *Store) ArtifactPath(name string) string {
	return filepath.Join(s.dir, name)
}

// ArtifactExists reports whether a non-empty artifact is present.
func (s *Store) ArtifactExists(name string) bool {
	info, err := os.Stat(s.ArtifactPath(name))
	return err == nil && !info.IsDir() && info.Size() > 0
}

// ReadArtifact returns the artifact's contents.
func (s *Store) ReadArtifact(name string) (string, error) {
	data, err := os.ReadFile(s.ArtifactPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrArtifactMissing, name)
		}
		return "", err
	}
	return string(data), nil
}

// WriteArtifact stores an artifact produced by the orchestrator itself.
func (s *Store) WriteArtifact(name, content string) error {
	return WriteAtomic(s.ArtifactPath(name), []byte(content))
}

// BlockedPath is where the blocked sentinel lives for a workspace.
func BlockedPath(worktree string) string {
	return filepath.Join(worktree, DirName, BlockedSentinel)
}

// WriteBlocked drops the sentinel with a reason.
func (s *Store) WriteBlocked(reason string) error {
	return WriteAtomic(filepath.Join(s.dir, BlockedSentinel), []byte(strings.TrimSpace(reason)+"\n"))
}

// ReadBlocked returns the sentinel reason, if the workspace is blocked.
func ReadBlocked(worktree string) (string, bool) {
	data, err := os.ReadFile(BlockedPath(worktree))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// ClearBlocked removes the sentinel, used when an operator unblocks a task.
func ClearBlocked(worktree string) error {
	err := os.Remove(BlockedPath(worktree))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
