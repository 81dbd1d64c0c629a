package agent

import (
	"bytes"
	"encoding/json"
	"os"
)

// Usage is the token and cost total for one or more model calls.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// IsZero reports whether nothing was recorded.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0
}

type usageLine struct {
	Usage        *rawUsage `json:"usage"`
	TotalCostUSD *float64  `json:"total_cost_usd"`
	CostUSD      *float64  `json:"cost_usd"`
}

type rawUsage struct {
	InputTokens      *int64   `json:"input_tokens"`
	OutputTokens     *int64   `json:"output_tokens"`
	PromptTokens     *int64   `json:"prompt_tokens"`
	CompletionTokens *int64   `json:"completion_tokens"`
	CostUSD          *float64 `json:"cost_usd"`
}

// ParseUsage scans JSONL output from the last line to the first and returns
// the usage of the first line that carries a usage object. Malformed lines
// are skipped; no usage at all yields zero.
func ParseUsage(data []byte) Usage {
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var l usageLine
		if err := json.Unmarshal(line, &l); err != nil || l.Usage == nil {
			continue
		}
		u := Usage{
			InputTokens:  first(l.Usage.InputTokens, l.Usage.PromptTokens),
			OutputTokens: first(l.Usage.OutputTokens, l.Usage.CompletionTokens),
		}
		switch {
		case l.TotalCostUSD != nil:
			u.CostUSD = *l.TotalCostUSD
		case l.CostUSD != nil:
			u.CostUSD = *l.CostUSD
		case l.Usage.CostUSD != nil:
			u.CostUSD = *l.Usage.CostUSD
		}
		return u
	}
	return Usage{}
}

// ParseUsageFile reads a log file and parses its usage.
// A missing file yields zero usage and no error.
func ParseUsageFile(path string) (Usage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Usage{}, nil
		}
		return Usage{}, err
	}
	return ParseUsage(data), nil
}

type errorLine struct {
	Error   json.RawMessage `json:"error"`
	Level   string          `json:"level"`
	Msg     string          `json:"msg"`
	IsError bool            `json:"is_error"`
	Result  string          `json:"result"`
}

// LastError returns the most recent error message found in JSONL output:
// an "error" string field, an errored result, or an ERROR-level message.
func LastError(data []byte) string {
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var l errorLine
		if err := json.Unmarshal(line, &l); err != nil {
			continue
		}
		var s string
		if len(l.Error) > 0 && json.Unmarshal(l.Error, &s) == nil && s != "" {
			return s
		}
		if l.IsError && l.Result != "" {
			return l.Result
		}
		if l.Level == "ERROR" && l.Msg != "" {
			return l.Msg
		}
	}
	return ""
}

// LastErrorFile is LastError over a file; unreadable files yield "".
func LastErrorFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return LastError(data)
}

func first(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
