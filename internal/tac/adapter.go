// Package tac records a worker's pipeline run in the observability
// database. It never changes the outcome of the run it observes.
package tac

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/db"
	"github.com/lucasnoah/tacx/internal/pipeline"
	"github.com/lucasnoah/tacx/internal/stage"
)

// Event types written for stages and pipelines.
const (
	EventStageStarted      = "StageStarted"
	EventStageCompleted    = "StageCompleted"
	EventStageErrored      = "StageErrored"
	EventPipelineCompleted = "PipelineCompleted"
	EventPipelineErrored   = "PipelineErrored"
	EventPipelineBlocked   = "PipelineBlocked"
)

// Store is the slice of the database the adapter writes to.
type Store interface {
	UpsertTask(t db.TaskRecord) error
	FinishTask(id string, f db.Finish) error
	CreateStage(taskID, name, provider, model string) (int64, error)
	FinishStage(id int64, f db.Finish) error
	AppendEvent(e db.Event) error
}

// Runner is the pipeline being observed.
type Runner interface {
	SetObserver(o stage.Observer)
	Run(ctx context.Context, task stage.Task) (*pipeline.State, error)
}

// WorkerAdapter wraps a Runner and mirrors its progress into a Store.
type WorkerAdapter struct {
	runner   Runner
	store    Store
	logger   *slog.Logger
	workerID string

	mu     sync.Mutex
	stages map[string]int64
	cost   float64
}

// NewWorkerAdapter creates an adapter and registers it as the runner's
// observer. store may be nil, in which case only the runner runs.
func NewWorkerAdapter(runner Runner, store Store, workerID string, logger *slog.Logger) *WorkerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &WorkerAdapter{
		runner:   runner,
		store:    store,
		workerID: workerID,
		logger:   logger,
		stages:   make(map[string]int64),
	}
	runner.SetObserver(a)
	return a
}

// Run records the task, then runs the pipeline. The runner's state and
// error are returned exactly as produced.
func (a *WorkerAdapter) Run(ctx context.Context, task stage.Task) (*pipeline.State, error) {
	a.try("upsert task", func(s Store) error {
		return s.UpsertTask(db.TaskRecord{
			ID:          task.ID,
			Issue:       task.IssueNumber,
			Description: task.Title,
			Branch:      task.Branch,
			Worktree:    task.Worktree,
			WorkerID:    a.workerID,
		})
	})
	return a.runner.Run(ctx, task)
}

// StageStarted creates the stage row and its start event.
func (a *WorkerAdapter) StageStarted(task stage.Task, cfg *config.Stage) {
	a.try("create stage", func(s Store) error {
		id, err := s.CreateStage(task.ID, cfg.Name, cfg.Provider, cfg.Model)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.stages[cfg.Name] = id
		a.mu.Unlock()
		return s.AppendEvent(db.Event{TaskID: task.ID, StageID: &id, Type: EventStageStarted, Detail: cfg.Name})
	})
}

// StageFinished completes the stage row with tokens, status and error.
func (a *WorkerAdapter) StageFinished(task stage.Task, report stage.Report) {
	res := report.Result
	a.mu.Lock()
	id, ok := a.stages[res.StageName]
	a.cost += report.Usage.CostUSD
	a.mu.Unlock()
	if !ok {
		// The start was never recorded; there is no row to finish.
		return
	}

	status, typ := db.StatusCompleted, EventStageCompleted
	if !res.Success {
		status, typ = db.StatusErrored, EventStageErrored
	}
	a.try("finish stage", func(s Store) error {
		if err := s.FinishStage(id, db.Finish{
			Status:       status,
			Provider:     report.Provider,
			Model:        report.Model,
			UsedFallback: report.UsedFallback,
			InputTokens:  report.Usage.InputTokens,
			OutputTokens: report.Usage.OutputTokens,
			CostUSD:      report.Usage.CostUSD,
			Error:        res.Error,
		}); err != nil {
			return err
		}
		return s.AppendEvent(db.Event{TaskID: task.ID, StageID: &id, Type: typ, Detail: res.Error})
	})
}

// PipelineFinished closes the task row and writes the terminal event.
func (a *WorkerAdapter) PipelineFinished(task stage.Task, st *pipeline.State) {
	typ := EventPipelineErrored
	switch st.Status {
	case pipeline.StatusCompleted:
		typ = EventPipelineCompleted
	case pipeline.StatusBlocked:
		typ = EventPipelineBlocked
	}
	in, out := st.Tokens()
	a.mu.Lock()
	cost := a.cost
	a.mu.Unlock()

	a.try("finish task", func(s Store) error {
		if err := s.FinishTask(task.ID, db.Finish{
			Status:       string(st.Status),
			InputTokens:  in,
			OutputTokens: out,
			CostUSD:      cost,
			Error:        st.Error,
		}); err != nil {
			return err
		}
		return s.AppendEvent(db.Event{TaskID: task.ID, Type: typ, Detail: st.Error})
	})
}

// try runs a bookkeeping step, logging and discarding any failure.
func (a *WorkerAdapter) try(what string, fn func(Store) error) {
	if a.store == nil {
		return
	}
	if err := fn(a.store); err != nil {
		a.logger.Warn("observability write failed", slog.String("op", what), slog.Any("error", err))
	}
}
