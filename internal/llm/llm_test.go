package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/tacx/internal/agent"
)

type mockExec struct {
	calls  []agent.Command
	result agent.Result
	err    error
}

func (m *mockExec) Execute(_ context.Context, cmd agent.Command) (agent.Result, error) {
	m.calls = append(m.calls, cmd)
	return m.result, m.err
}

func TestCLICaller_ParsesClaudeJSON(t *testing.T) {
	exec := &mockExec{result: agent.Result{Stdout: []byte(
		`{"type":"result","result":"  Summary here  ","total_cost_usd":0.003,"usage":{"input_tokens":120,"output_tokens":30}}`,
	)}}
	c := NewCLICaller(exec, agent.NewProviders(nil), agent.NewBreakers(nil), time.Minute)

	resp, err := c.Call(context.Background(), Request{Provider: "anthropic", Model: "claude-haiku-4-5", System: "s", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Summary here", resp.Content)
	assert.Equal(t, int64(120), resp.InputTokens)
	assert.Equal(t, int64(30), resp.OutputTokens)
	assert.InDelta(t, 0.003, resp.CostUSD, 1e-9)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "claude", exec.calls[0].Name)
	assert.Equal(t, time.Minute, exec.calls[0].Timeout)
}

func TestCLICaller_CodexItemText(t *testing.T) {
	exec := &mockExec{result: agent.Result{Stdout: []byte(
		`{"type":"item.completed","item":{"type":"agent_message","text":"done"}}
{"type":"turn.completed","usage":{"input_tokens":9,"output_tokens":4}}
`)}}
	c := NewCLICaller(exec, agent.NewProviders(nil), nil, 0)

	resp, err := c.Call(context.Background(), Request{Provider: "openai", Model: "gpt-5", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, int64(9), resp.InputTokens)
}

func TestCLICaller_PlainOutput(t *testing.T) {
	exec := &mockExec{result: agent.Result{Stdout: []byte("just text\n")}}
	c := NewCLICaller(exec, agent.NewProviders(nil), nil, 0)
	resp, err := c.Call(context.Background(), Request{Provider: "anthropic", Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "just text", resp.Content)
	assert.Zero(t, resp.InputTokens)
}

func TestCLICaller_Failures(t *testing.T) {
	exec := &mockExec{result: agent.Result{ExitCode: 2, Stderr: []byte("boom")}}
	c := NewCLICaller(exec, agent.NewProviders(nil), nil, 0)
	_, err := c.Call(context.Background(), Request{Provider: "anthropic", Model: "m", Prompt: "p"})
	var exitErr *agent.ExitError
	assert.True(t, errors.As(err, &exitErr))

	_, err = c.Call(context.Background(), Request{Provider: "nowhere", Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, agent.ErrProviderUnavailable)

	exec.err = agent.ErrTimeout
	exec.result = agent.Result{}
	_, err = c.Call(context.Background(), Request{Provider: "anthropic", Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, agent.ErrTimeout)
}
