package pipeline

import "time"

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusBlocked   Status = "blocked"
)

// State is the persisted record of one task's pipeline inside its workspace.
type State struct {
	TaskID          string                 `json:"task_id"`
	IssueNumber     int                    `json:"issue_number"`
	WorktreePath    string                 `json:"worktree_path"`
	BranchName      string                 `json:"branch_name"`
	CurrentStage    string                 `json:"current_stage"`
	Status          Status                 `json:"status"`
	CompletedStages map[string]bool        `json:"completed_stages"`
	StageResults    map[string]StageResult `json:"stage_results"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// StageResult records the outcome of one stage.
type StageResult struct {
	StageName    string     `json:"stage_name"`
	Success      bool       `json:"success"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	OutputFile   string     `json:"output_file,omitempty"`
	Error        string     `json:"error,omitempty"`
	TokensInput  int64      `json:"tokens_input"`
	TokensOutput int64      `json:"tokens_output"`
}

// NewState returns a fresh running state.
func NewState(taskID string, issue int, worktree, branch string, now time.Time) *State {
	return &State{
		TaskID:          taskID,
		IssueNumber:     issue,
		WorktreePath:    worktree,
		BranchName:      branch,
		Status:          StatusRunning,
		CompletedStages: map[string]bool{},
		StageResults:    map[string]StageResult{},
		StartedAt:       now.UTC(),
	}
}

// IsCompleted reports whether a stage already finished successfully.
func (s *State) IsCompleted(stage string) bool {
	return s.CompletedStages[stage]
}

// RecordResult stores a stage result. completed_stages mirrors the result's
// success, so a failed stage is recorded as an explicit false.
func (s *State) RecordResult(r StageResult) {
	if s.StageResults == nil {
		s.StageResults = map[string]StageResult{}
	}
	if s.CompletedStages == nil {
		s.CompletedStages = map[string]bool{}
	}
	s.StageResults[r.StageName] = r
	s.CompletedStages[r.StageName] = r.Success
}

// Finish moves the pipeline to a terminal status.
func (s *State) Finish(status Status, errText string, now time.Time) {
	s.Status = status
	s.Error = errText
	t := now.UTC()
	s.CompletedAt = &t
}

// Tokens sums token usage across all recorded stages.
func (s *State) Tokens() (in, out int64) {
	for _, r := range s.StageResults {
		in += r.TokensInput
		out += r.TokensOutput
	}
	return in, out
}
