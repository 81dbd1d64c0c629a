package github

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec, inside Dir when set.
type ExecRunner struct {
	Dir string
}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd CmdRunner
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd}
}

// Issue represents a GitHub issue.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	Labels []Label `json:"labels"`
}

// Label represents a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// LabelNames returns the issue's label names.
func (i Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// PR is a pull request found for a branch.
type PR struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	State      string `json:"state"`
	HeadRefOid string `json:"headRefOid"`
}

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

// ListIssues returns open issues carrying label.
func (c *Client) ListIssues(label string) ([]Issue, error) {
	args := []string{"issue", "list", "--state", "open", "--json", "number,title,body,labels", "--limit", "100"}
	if label != "" {
		args = append(args, "--label", label)
	}
	out, err := c.cmd.Run(args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	if out == "" {
		return nil, nil
	}

	var issues []Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list JSON: %w", err)
	}
	return issues, nil
}

// GetIssue fetches a GitHub issue by number.
func (c *Client) GetIssue(number int) (*Issue, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return nil, err
	}

	out, err := c.cmd.Run("issue", "view", strconv.Itoa(number), "--json", "number,title,body,state,labels")
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}
	return &issue, nil
}

// Comment posts a comment on an issue.
func (c *Client) Comment(number int, body string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	if _, err := c.cmd.Run("issue", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("comment on issue %d: %w", number, err)
	}
	return nil
}

// FindPRByBranch returns the most recent PR whose head is branch, in any
// state, or nil if none exists.
func (c *Client) FindPRByBranch(branch string) (*PR, error) {
	if strings.HasPrefix(branch, "-") {
		return nil, fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	out, err := c.cmd.Run("pr", "list", "--head", branch, "--state", "all", "--json", "number,url,state,headRefOid", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []PR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}
