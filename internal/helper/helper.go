// Package helper spawns short-lived helper agents inside a stage. Each helper
// is scoped to a callback; its record is always finalized when the callback
// returns, fails or panics, and its usage rolls up to the caller.
package helper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucasnoah/tacx/internal/agent"
	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/db"
	"github.com/lucasnoah/tacx/internal/llm"
	"github.com/lucasnoah/tacx/internal/prompt"
)

// Event types emitted for helpers.
const (
	EventStarted   = "HelperStarted"
	EventCompleted = "HelperCompleted"
	EventErrored   = "HelperErrored"
)

// Run result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Recorder persists helper rows and events. *db.DB satisfies it.
type Recorder interface {
	CreateHelper(h db.HelperRecord) (int64, error)
	FinishHelper(id int64, f db.Finish) error
	AppendEvent(e db.Event) error
}

// SpawnOpts identifies a helper and optionally overrides its model binding.
type SpawnOpts struct {
	TaskID   string
	Stage    string
	Template string
	Purpose  string
	Provider string
	Model    string
	Workdir  string // project directory searched for template overrides
}

// Record is the finalized outcome of one helper scope.
type Record struct {
	ID       int64
	TaskID   string
	Stage    string
	Template string
	Purpose  string
	Provider string
	Model    string
	Status   string
	Usage    agent.Usage
	Result   string
	Error    string
}

// Manager spawns helpers.
type Manager struct {
	loader   *prompt.Loader
	caller   llm.Caller
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder persists helper rows and events. Without one, helpers still
// run and report usage but leave no audit trail.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a helper manager.
func NewManager(loader *prompt.Loader, caller llm.Caller, opts ...Option) *Manager {
	m := &Manager{loader: loader, caller: caller, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Spawn loads the named agent template, records the helper as running and
// calls fn with its Context. Whatever fn does, exactly one completion is
// recorded before Spawn returns, and fn's error (or panic) reaches the caller
// unchanged. A missing template fails before anything is recorded.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOpts, fn func(*Context) error) (rec Record, err error) {
	tmpl, err := m.loader.Agent(opts.Template, opts.Workdir)
	if err != nil {
		return Record{}, fmt.Errorf("spawn helper %s: %w", opts.Template, err)
	}

	hc := &Context{
		opts:   opts,
		tmpl:   tmpl,
		caller: m.caller,
		logger: m.logger.With(slog.String("helper", opts.Template), slog.String("task_id", opts.TaskID)),
	}
	hc.provider, hc.model = resolve(opts.Provider, opts.Model, tmpl)

	id := m.create(hc)
	hc.logger.Info("helper started", slog.String("purpose", opts.Purpose), slog.String("model", hc.model))

	defer func() {
		r := recover()
		status, errText := db.StatusCompleted, ""
		switch {
		case r != nil:
			status, errText = db.StatusErrored, fmt.Sprintf("panic: %v", r)
		case err != nil:
			status, errText = db.StatusErrored, err.Error()
		}
		rec = m.finish(id, hc, status, errText)
		if r != nil {
			panic(r)
		}
	}()

	return Record{}, fn(hc)
}

func (m *Manager) create(hc *Context) int64 {
	if m.recorder == nil {
		return 0
	}
	id, err := m.recorder.CreateHelper(db.HelperRecord{
		TaskID:   hc.opts.TaskID,
		Stage:    hc.opts.Stage,
		Template: hc.opts.Template,
		Purpose:  hc.opts.Purpose,
		Provider: hc.provider,
		Model:    hc.model,
	})
	if err != nil {
		hc.logger.Warn("record helper start", slog.Any("error", err))
		return 0
	}
	m.event(hc, id, EventStarted, hc.opts.Purpose)
	return id
}

func (m *Manager) finish(id int64, hc *Context, status, errText string) Record {
	usage, result := hc.snapshot()
	rec := Record{
		ID:       id,
		TaskID:   hc.opts.TaskID,
		Stage:    hc.opts.Stage,
		Template: hc.opts.Template,
		Purpose:  hc.opts.Purpose,
		Provider: hc.provider,
		Model:    hc.model,
		Status:   status,
		Usage:    usage,
		Result:   result,
		Error:    errText,
	}

	attrs := []any{
		slog.String("status", status),
		slog.Int64("input_tokens", usage.InputTokens),
		slog.Int64("output_tokens", usage.OutputTokens),
	}
	if errText != "" {
		hc.logger.Warn("helper errored", append(attrs, slog.String("error", errText))...)
	} else {
		hc.logger.Info("helper completed", attrs...)
	}

	if m.recorder == nil || id == 0 {
		return rec
	}
	if err := m.recorder.FinishHelper(id, db.Finish{
		Status:       status,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
		Result:       result,
		Error:        errText,
	}); err != nil {
		hc.logger.Warn("record helper finish", slog.Any("error", err))
	}
	if status == db.StatusErrored {
		m.event(hc, id, EventErrored, errText)
	} else {
		m.event(hc, id, EventCompleted, "")
	}
	return rec
}

func (m *Manager) event(hc *Context, id int64, typ, detail string) {
	helperID := id
	if err := m.recorder.AppendEvent(db.Event{TaskID: hc.opts.TaskID, HelperID: &helperID, Type: typ, Detail: detail}); err != nil {
		hc.logger.Warn("record helper event", slog.String("type", typ), slog.Any("error", err))
	}
}

// resolve applies the binding precedence: explicit option, then template.
// A model without a provider gets its provider inferred from the model name.
func resolve(provider, model string, tmpl *prompt.AgentTemplate) (string, string) {
	if model == "" {
		model = tmpl.Model
	}
	if provider == "" {
		if model != tmpl.Model || tmpl.Provider == "" {
			provider, _ = config.InferProvider(model)
		}
		if provider == "" {
			provider = tmpl.Provider
		}
	}
	return provider, model
}

// Context is the handle a helper scope works through.
type Context struct {
	opts     SpawnOpts
	tmpl     *prompt.AgentTemplate
	caller   llm.Caller
	logger   *slog.Logger
	provider string
	model    string

	mu     sync.Mutex
	usage  agent.Usage
	result string
}

// RunResult is the normalized outcome of one model call. A failed call is
// reported here rather than as an error.
type RunResult struct {
	Status  string
	Content string
	Error   string
}

// OK reports whether the call succeeded.
func (r RunResult) OK() bool { return r.Status == StatusOK }

// RunOption overrides the model binding for a single call.
type RunOption func(*runOpts)

type runOpts struct {
	provider string
	model    string
}

// WithModel overrides the model for one call.
func WithModel(model string) RunOption {
	return func(o *runOpts) { o.model = model }
}

// WithProvider overrides the provider for one call.
func WithProvider(provider string) RunOption {
	return func(o *runOpts) { o.provider = provider }
}

// Run sends prompt to the helper's model with the template body as system
// prompt and accumulates the call's usage.
func (c *Context) Run(ctx context.Context, prompt string, opts ...RunOption) RunResult {
	var o runOpts
	for _, fn := range opts {
		fn(&o)
	}
	provider, model := c.provider, c.model
	if o.model != "" {
		model = o.model
		if o.provider == "" {
			if p, ok := config.InferProvider(model); ok {
				provider = p
			}
		}
	}
	if o.provider != "" {
		provider = o.provider
	}

	resp, err := c.caller.Call(ctx, llm.Request{
		Provider: provider,
		Model:    model,
		System:   c.tmpl.System,
		Prompt:   prompt,
		Dir:      c.opts.Workdir,
	})
	if err != nil {
		c.logger.Warn("helper call failed", slog.String("model", model), slog.Any("error", err))
		return RunResult{Status: StatusError, Error: err.Error()}
	}
	c.UpdateUsage(resp.InputTokens, resp.OutputTokens, resp.CostUSD)
	return RunResult{Status: StatusOK, Content: resp.Content}
}

// UpdateUsage adds usage incurred outside Run.
func (c *Context) UpdateUsage(in, out int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = c.usage.Add(agent.Usage{InputTokens: in, OutputTokens: out, CostUSD: cost})
}

// SetResult stores the helper's final output on its record.
func (c *Context) SetResult(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = s
}

// Usage returns the usage accumulated so far.
func (c *Context) Usage() agent.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Provider returns the helper's resolved provider.
func (c *Context) Provider() string { return c.provider }

// Model returns the helper's resolved model.
func (c *Context) Model() string { return c.model }

func (c *Context) snapshot() (agent.Usage, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage, c.result
}
