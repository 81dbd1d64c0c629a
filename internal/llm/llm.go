// Package llm makes single request/response model calls on behalf of
// helper agents.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/tacx/internal/agent"
)

// Request is one model call.
type Request struct {
	Provider string
	Model    string
	System   string
	Prompt   string
	Dir      string
}

// Response is the model's reply with its cost.
type Response struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Caller makes model calls. Interface for testing.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// CLICaller calls models through the provider CLIs in one-shot mode.
type CLICaller struct {
	exec      agent.Executor
	providers *agent.Providers
	breakers  *agent.Breakers
	timeout   time.Duration
}

// NewCLICaller creates a caller. breakers may be nil.
func NewCLICaller(exec agent.Executor, providers *agent.Providers, breakers *agent.Breakers, timeout time.Duration) *CLICaller {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CLICaller{exec: exec, providers: providers, breakers: breakers, timeout: timeout}
}

// Call runs the provider CLI and parses content and usage from its output.
func (c *CLICaller) Call(ctx context.Context, req Request) (Response, error) {
	cmd, err := c.providers.Command(agent.Request{
		Provider: req.Provider,
		Model:    req.Model,
		System:   req.System,
		Prompt:   req.Prompt,
		Dir:      req.Dir,
		Timeout:  c.timeout,
		OneShot:  true,
	})
	if err != nil {
		return Response{}, err
	}

	run := func() (agent.Result, error) { return c.exec.Execute(ctx, cmd) }
	var res agent.Result
	if c.breakers != nil {
		res, err = c.breakers.Execute(req.Provider, run)
	} else {
		res, err = run()
		if err == nil {
			err = agent.CheckExit(res)
		}
	}
	if err != nil {
		return Response{}, fmt.Errorf("%s/%s: %w", req.Provider, req.Model, err)
	}

	usage := agent.ParseUsage(res.Stdout)
	return Response{
		Content:      extractContent(res.Stdout),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
	}, nil
}

type contentLine struct {
	Result   *string `json:"result"`
	Response *string `json:"response"`
	Text     *string `json:"text"`
	Content  *string `json:"content"`
	Item     *struct {
		Text *string `json:"text"`
	} `json:"item"`
}

// extractContent finds the reply text in CLI JSON output, falling back to
// the raw output when nothing structured is present.
func extractContent(out []byte) string {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var l contentLine
		if err := json.Unmarshal(line, &l); err != nil {
			continue
		}
		for _, s := range []*string{l.Result, l.Response, l.Text, l.Content} {
			if s != nil && *s != "" {
				return strings.TrimSpace(*s)
			}
		}
		if l.Item != nil && l.Item.Text != nil && *l.Item.Text != "" {
			return strings.TrimSpace(*l.Item.Text)
		}
	}
	return strings.TrimSpace(string(out))
}
