package queue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/tacx/internal/failure"
)

// Entry markers.
const (
	markActive    = "\U0001F7E1"
	markCompleted = "\u2705"
	markFailed    = "\u274c"
	markExhausted = "\u2620\ufe0f"
	markBlocked   = "\u23f0"
)

const title = "# TAC-X Task Queue"

var sectionTitles = map[Status]string{
	Pending:   "Pending",
	Active:    "Active",
	Completed: "Completed",
	Failed:    "Failed",
	Blocked:   "Blocked",
}

// meta is the JSON carried in the <!-- META:{...} --> line under an entry.
// The first five fields hold retry state; the rest let non-pending entries
// round-trip.
type meta struct {
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	FailedAt     *time.Time `json:"failed_at"`
	FailureTypes []string   `json:"failure_types"`
	LastFailure  *string    `json:"last_failure"`

	Source    string     `json:"source,omitempty"`
	Issue     int        `json:"issue,omitempty"`
	Priority  *int       `json:"priority,omitempty"`
	Worker    string     `json:"worker,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
	Branch    string     `json:"branch,omitempty"`
	Tree      string     `json:"tree,omitempty"`
	PRURL     string     `json:"pr_url,omitempty"`
	Commit    string     `json:"commit,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func metaFor(t *Task) meta {
	m := meta{
		Attempts:     t.Tracking.AttemptCount,
		MaxAttempts:  t.Tracking.MaxAttempts,
		FailedAt:     t.Tracking.FailedAt,
		FailureTypes: []string{},
		Source:       t.Source,
		Issue:        t.IssueNumber,
		Worker:       t.WorkerID,
		PID:          t.PID,
		Branch:       t.Branch,
		Tree:         t.TreePath,
		PRURL:        t.PRURL,
		Commit:       t.CommitHash,
		Error:        t.Error,
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = failure.DefaultMaxAttempts
	}
	for _, k := range t.Tracking.FailureHistory {
		m.FailureTypes = append(m.FailureTypes, string(k))
	}
	if t.Tracking.LastFailure != nil {
		s := string(*t.Tracking.LastFailure)
		m.LastFailure = &s
	}
	if t.Status != Pending {
		p := t.Priority
		m.Priority = &p
	}
	if !t.Started.IsZero() {
		s := t.Started.UTC()
		m.Started = &s
	}
	if !t.Completed.IsZero() {
		c := t.Completed.UTC()
		m.Completed = &c
	}
	return m
}

func (m meta) apply(t *Task) {
	t.Tracking.AttemptCount = m.Attempts
	t.Tracking.MaxAttempts = m.MaxAttempts
	if t.Tracking.MaxAttempts <= 0 {
		t.Tracking.MaxAttempts = failure.DefaultMaxAttempts
	}
	t.Tracking.FailedAt = m.FailedAt
	t.Tracking.FailureHistory = nil
	for _, s := range m.FailureTypes {
		t.Tracking.FailureHistory = append(t.Tracking.FailureHistory, failure.ParseKind(s))
	}
	t.Tracking.LastFailure = nil
	if m.LastFailure != nil {
		k := failure.ParseKind(*m.LastFailure)
		t.Tracking.LastFailure = &k
	}
	if m.Source != "" {
		t.Source = m.Source
	}
	if m.Issue > 0 {
		t.IssueNumber = m.Issue
	}
	if m.Priority != nil {
		t.Priority = *m.Priority
	}
	if m.Worker != "" {
		t.WorkerID = m.Worker
	}
	if m.Tree != "" {
		t.TreePath = m.Tree
	}
	t.PID = m.PID
	if m.Started != nil {
		t.Started = *m.Started
	}
	if m.Completed != nil {
		t.Completed = *m.Completed
	}
	if m.Branch != "" {
		t.Branch = m.Branch
	}
	if m.PRURL != "" {
		t.PRURL = m.PRURL
	}
	if m.Commit != "" {
		t.CommitHash = m.Commit
	}
	if m.Error != "" {
		t.Error = m.Error
	}
}

// Render writes the queue in its markdown form: a title, then one ## section
// per status in fixed order. Tasks keep their queue order within a section.
func Render(q *Queue) []byte {
	var b bytes.Buffer
	b.WriteString(title + "\n")
	for _, s := range Statuses {
		fmt.Fprintf(&b, "\n## %s\n\n", sectionTitles[s])
		for _, t := range q.ByStatus(s) {
			renderTask(&b, t)
		}
	}
	return b.Bytes()
}

func renderTask(b *bytes.Buffer, t *Task) {
	desc := oneLine(t.Description)
	switch t.Status {
	case Pending:
		fmt.Fprintf(b, "[] %s: %s {p%d}\n", t.ID, desc, t.Priority)
	case Active:
		fmt.Fprintf(b, "[%s %s, %s] %s: %s\n", markActive, dash(t.WorkerID), dash(t.TreePath), t.ID, desc)
	case Completed:
		fmt.Fprintf(b, "[%s %s, %s] %s: %s\n", markCompleted, dash(t.ShortCommit()), dash(t.WorkerID), t.ID, desc)
	case Failed:
		mark := markFailed
		if !t.Tracking.CanRetry() {
			mark = markExhausted
		}
		fmt.Fprintf(b, "[%s %s] %s: %s\n", mark, dash(t.WorkerID), t.ID, desc)
		fmt.Fprintf(b, "- attempts: %d/%d\n", t.Tracking.AttemptCount, t.Tracking.MaxAttempts)
		if len(t.Tracking.FailureHistory) > 0 {
			kinds := make([]string, len(t.Tracking.FailureHistory))
			for i, k := range t.Tracking.FailureHistory {
				kinds[i] = string(k)
			}
			fmt.Fprintf(b, "- failure types: %s\n", strings.Join(kinds, ", "))
		}
		if t.Error != "" {
			fmt.Fprintf(b, "- reason: %s\n", oneLine(t.Error))
		}
		for _, a := range t.Tracking.Alerts() {
			fmt.Fprintf(b, "- alert: %s\n", a)
		}
	case Blocked:
		fmt.Fprintf(b, "[%s %s] %s: %s\n", markBlocked, dash(t.WorkerID), t.ID, desc)
	}
	data, _ := json.Marshal(metaFor(t))
	fmt.Fprintf(b, "<!-- META:%s -->\n", data)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func undash(s string) string {
	s = strings.TrimSpace(s)
	if s == "-" {
		return ""
	}
	return s
}

var (
	sectionRe   = regexp.MustCompile(`^##\s+(\w+)\s*$`)
	metaRe      = regexp.MustCompile(`^<!--\s*META:(.*?)\s*-->$`)
	pendingRe   = regexp.MustCompile(`^\[\]\s+([^\s:]+):\s?(.*?)\s*\{p(-?\d+)\}$`)
	bracketedRe = regexp.MustCompile(`^\[([^\]]*)\]\s+([^\s:]+):\s?(.*)$`)
)

// ParseError reports a line the parser could not make sense of.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("queue line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Parse reads a queue written by Render, or edited by hand in the same
// layout. Lines outside the five sections are ignored. A malformed entry is
// an error rather than a dropped task, since the next save would lose it.
func Parse(data []byte) (*Queue, error) {
	q := &Queue{}
	var section Status
	var last *Task

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			section = ""
			for s, name := range sectionTitles {
				if strings.EqualFold(name, m[1]) {
					section = s
				}
			}
			last = nil
			continue
		}
		if section == "" {
			continue
		}

		if m := metaRe.FindStringSubmatch(line); m != nil {
			if last == nil {
				return nil, &ParseError{Line: n, Text: line, Msg: "META without an entry"}
			}
			var md meta
			if err := json.Unmarshal([]byte(m[1]), &md); err != nil {
				return nil, &ParseError{Line: n, Text: line, Msg: "bad META json: " + err.Error()}
			}
			md.apply(last)
			continue
		}

		if strings.HasPrefix(line, "- ") {
			if last != nil && last.Error == "" {
				if reason, ok := strings.CutPrefix(line, "- reason: "); ok {
					last.Error = reason
				}
			}
			continue
		}

		if !strings.HasPrefix(line, "[") {
			continue
		}
		t, err := parseEntry(section, line)
		if err != nil {
			return nil, &ParseError{Line: n, Text: line, Msg: err.Error()}
		}
		if !q.Add(t) {
			return nil, &ParseError{Line: n, Text: line, Msg: "duplicate task id"}
		}
		last = t
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return q, nil
}

func parseEntry(section Status, line string) (*Task, error) {
	t := &Task{
		Source:   SourceGitHub,
		Status:   section,
		Priority: DefaultPriority,
		Tracking: failure.NewTracking(0),
	}

	if section == Pending {
		m := pendingRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("pending entry must look like [] <id>: <description> {p<n>}")
		}
		t.ID, t.Description = m[1], m[2]
		t.Priority, _ = strconv.Atoi(m[3])
		t.IssueNumber = issueFromID(t.ID)
		return t, nil
	}

	m := bracketedRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%s entry must look like [<marker> ...] <id>: <description>", section)
	}
	t.ID, t.Description = m[2], m[3]
	t.IssueNumber = issueFromID(t.ID)

	fields := strings.Fields(m[1])
	if len(fields) == 0 {
		return nil, fmt.Errorf("missing status marker")
	}
	mark := fields[0]
	rest := strings.Split(strings.TrimSpace(strings.TrimPrefix(m[1], mark)), ",")

	switch section {
	case Active:
		if mark != markActive {
			return nil, fmt.Errorf("active entry marker %q", mark)
		}
		t.WorkerID = undash(rest[0])
		if len(rest) > 1 {
			t.TreePath = undash(rest[1])
		}
	case Completed:
		if mark != markCompleted {
			return nil, fmt.Errorf("completed entry marker %q", mark)
		}
		t.CommitHash = undash(rest[0])
		if len(rest) > 1 {
			t.WorkerID = undash(rest[1])
		}
	case Failed:
		if mark != markFailed && mark != markExhausted && mark != "\u2620" {
			return nil, fmt.Errorf("failed entry marker %q", mark)
		}
		t.WorkerID = undash(rest[0])
	case Blocked:
		if mark != markBlocked {
			return nil, fmt.Errorf("blocked entry marker %q", mark)
		}
		t.WorkerID = undash(rest[0])
	}
	return t, nil
}

// issueFromID recovers the issue number from ids like gh-42.
func issueFromID(id string) int {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return 0
	}
	return n
}
