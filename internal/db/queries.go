package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Record statuses shared by stages and helpers.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// TaskRecord represents a row in the tasks table.
type TaskRecord struct {
	ID           string
	Issue        int
	Description  string
	Branch       string
	Worktree     string
	WorkerID     string
	Status       string
	StartedAt    string
	CompletedAt  string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Error        string
}

// StageRecord represents a row in the stages table.
type StageRecord struct {
	ID           int64
	TaskID       string
	Name         string
	Provider     string
	Model        string
	Status       string
	UsedFallback bool
	StartedAt    string
	CompletedAt  string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Error        string
}

// HelperRecord represents a row in the helpers table.
type HelperRecord struct {
	ID           int64
	TaskID       string
	Stage        string
	Template     string
	Purpose      string
	Provider     string
	Model        string
	Status       string
	StartedAt    string
	CompletedAt  string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Result       string
	Error        string
}

// Event represents a row in the events table.
type Event struct {
	ID        int64
	TaskID    string
	StageID   *int64
	HelperID  *int64
	Type      string
	Detail    string
	CreatedAt string
}

// Finish carries the terminal fields shared by stages and helpers.
type Finish struct {
	Status       string
	Provider     string
	Model        string
	UsedFallback bool
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Result       string
	Error        string
}

// UpsertTask inserts a task row or refreshes its identifying fields.
// A re-run of the same task resets it to running.
func (d *DB) UpsertTask(t TaskRecord) error {
	if t.Status == "" {
		t.Status = StatusRunning
	}
	if t.StartedAt == "" {
		t.StartedAt = d.timestamp()
	}
	_, err := d.conn.Exec(d.Rebind(
		`INSERT INTO tasks (id, issue, description, branch, worktree, worker_id, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     issue = excluded.issue,
		     description = excluded.description,
		     branch = excluded.branch,
		     worktree = excluded.worktree,
		     worker_id = excluded.worker_id,
		     status = excluded.status,
		     started_at = excluded.started_at,
		     completed_at = NULL,
		     error = ''`),
		t.ID, t.Issue, t.Description, t.Branch, t.Worktree, t.WorkerID, t.Status, t.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// FinishTask records a task's terminal status and totals.
func (d *DB) FinishTask(id string, f Finish) error {
	_, err := d.conn.Exec(d.Rebind(
		`UPDATE tasks SET status = ?, completed_at = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?, error = ?
		 WHERE id = ?`),
		f.Status, d.timestamp(), f.InputTokens, f.OutputTokens, f.CostUSD, f.Error, id,
	)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	return nil
}

// GetTask returns a task row, or nil if it does not exist.
func (d *DB) GetTask(id string) (*TaskRecord, error) {
	row := d.conn.QueryRow(d.Rebind(
		`SELECT id, issue, description, branch, worktree, worker_id, status, started_at,
		        completed_at, input_tokens, output_tokens, cost_usd, error
		 FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns all tasks, most recently started first.
func (d *DB) ListTasks() ([]TaskRecord, error) {
	rows, err := d.conn.Query(
		`SELECT id, issue, description, branch, worktree, worker_id, status, started_at,
		        completed_at, input_tokens, output_tokens, cost_usd, error
		 FROM tasks ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*TaskRecord, error) {
	var t TaskRecord
	var completed sql.NullString
	if err := s.Scan(&t.ID, &t.Issue, &t.Description, &t.Branch, &t.Worktree, &t.WorkerID, &t.Status,
		&t.StartedAt, &completed, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &t.Error); err != nil {
		return nil, err
	}
	t.CompletedAt = completed.String
	return &t, nil
}

// CreateStage inserts a running stage row and returns its id.
func (d *DB) CreateStage(taskID, name, provider, model string) (int64, error) {
	var id int64
	err := d.conn.QueryRow(d.Rebind(
		`INSERT INTO stages (task_id, name, provider, model, status, started_at)
		 VALUES (?, ?, ?, ?, 'running', ?) RETURNING id`),
		taskID, name, provider, model, d.timestamp(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create stage %s/%s: %w", taskID, name, err)
	}
	return id, nil
}

// FinishStage records a stage's outcome.
func (d *DB) FinishStage(id int64, f Finish) error {
	_, err := d.conn.Exec(d.Rebind(
		`UPDATE stages SET status = ?, provider = COALESCE(NULLIF(?, ''), provider), model = COALESCE(NULLIF(?, ''), model),
		        used_fallback = ?, completed_at = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?, error = ?
		 WHERE id = ?`),
		f.Status, f.Provider, f.Model, boolInt(f.UsedFallback), d.timestamp(),
		f.InputTokens, f.OutputTokens, f.CostUSD, f.Error, id,
	)
	if err != nil {
		return fmt.Errorf("finish stage %d: %w", id, err)
	}
	return nil
}

// ListStages returns a task's stage rows in creation order.
func (d *DB) ListStages(taskID string) ([]StageRecord, error) {
	rows, err := d.conn.Query(d.Rebind(
		`SELECT id, task_id, name, provider, model, status, used_fallback, started_at, completed_at,
		        input_tokens, output_tokens, cost_usd, error
		 FROM stages WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var s StageRecord
		var fallback int
		var completed sql.NullString
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Name, &s.Provider, &s.Model, &s.Status, &fallback,
			&s.StartedAt, &completed, &s.InputTokens, &s.OutputTokens, &s.CostUSD, &s.Error); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		s.UsedFallback = fallback != 0
		s.CompletedAt = completed.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateHelper inserts a running helper row and returns its id.
func (d *DB) CreateHelper(h HelperRecord) (int64, error) {
	var id int64
	err := d.conn.QueryRow(d.Rebind(
		`INSERT INTO helpers (task_id, stage, template, purpose, provider, model, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'running', ?) RETURNING id`),
		h.TaskID, h.Stage, h.Template, h.Purpose, h.Provider, h.Model, d.timestamp(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create helper %s: %w", h.Template, err)
	}
	return id, nil
}

// FinishHelper records a helper's outcome and totals.
func (d *DB) FinishHelper(id int64, f Finish) error {
	_, err := d.conn.Exec(d.Rebind(
		`UPDATE helpers SET status = ?, completed_at = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?, result = ?, error = ?
		 WHERE id = ?`),
		f.Status, d.timestamp(), f.InputTokens, f.OutputTokens, f.CostUSD, f.Result, f.Error, id,
	)
	if err != nil {
		return fmt.Errorf("finish helper %d: %w", id, err)
	}
	return nil
}

const helperColumns = `id, task_id, stage, template, purpose, provider, model, status, started_at, completed_at,
	input_tokens, output_tokens, cost_usd, result, error`

func scanHelper(s scanner) (*HelperRecord, error) {
	var h HelperRecord
	var completed sql.NullString
	if err := s.Scan(&h.ID, &h.TaskID, &h.Stage, &h.Template, &h.Purpose, &h.Provider, &h.Model, &h.Status,
		&h.StartedAt, &completed, &h.InputTokens, &h.OutputTokens, &h.CostUSD, &h.Result, &h.Error); err != nil {
		return nil, err
	}
	h.CompletedAt = completed.String
	return &h, nil
}

// GetHelper returns a helper row, or nil if it does not exist.
func (d *DB) GetHelper(id int64) (*HelperRecord, error) {
	row := d.conn.QueryRow(d.Rebind(`SELECT `+helperColumns+` FROM helpers WHERE id = ?`), id)
	h, err := scanHelper(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get helper %d: %w", id, err)
	}
	return h, nil
}

// ListHelpers returns a task's helper rows in creation order.
func (d *DB) ListHelpers(taskID string) ([]HelperRecord, error) {
	rows, err := d.conn.Query(d.Rebind(`SELECT `+helperColumns+` FROM helpers WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list helpers: %w", err)
	}
	defer rows.Close()

	var out []HelperRecord
	for rows.Next() {
		h, err := scanHelper(rows)
		if err != nil {
			return nil, fmt.Errorf("scan helper: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// AppendEvent inserts an event row.
func (d *DB) AppendEvent(e Event) error {
	_, err := d.conn.Exec(d.Rebind(
		`INSERT INTO events (task_id, stage_id, helper_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.TaskID, e.StageID, e.HelperID, e.Type, e.Detail, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

// ListEvents returns a task's events in insertion order.
func (d *DB) ListEvents(taskID string) ([]Event, error) {
	rows, err := d.conn.Query(d.Rebind(
		`SELECT id, task_id, stage_id, helper_id, type, detail, created_at
		 FROM events WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var stageID, helperID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TaskID, &stageID, &helperID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stageID.Valid {
			v := stageID.Int64
			e.StageID = &v
		}
		if helperID.Valid {
			v := helperID.Int64
			e.HelperID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
