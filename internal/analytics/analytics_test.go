package analytics

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/lucasnoah/tacx/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func exec(t *testing.T, conn *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func insertTask(t *testing.T, c *sql.DB, id string, issue int, started string) {
	t.Helper()
	exec(t, c, `INSERT INTO tasks (id, issue, status, started_at) VALUES (?, ?, 'completed', ?)`, id, issue, started)
}

func insertStage(t *testing.T, c *sql.DB, task, name, started, completed string, in, out int64, cost float64) {
	t.Helper()
	exec(t, c, `INSERT INTO stages (task_id, name, provider, model, status, started_at, completed_at, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, 'claude', 'sonnet', 'completed', ?, ?, ?, ?, ?)`, task, name, started, completed, in, out, cost)
}

func insertHelper(t *testing.T, c *sql.DB, task, stage, template, started string, in, out int64, cost float64) {
	t.Helper()
	exec(t, c, `INSERT INTO helpers (task_id, stage, template, provider, model, status, started_at, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, 'claude', 'haiku', 'completed', ?, ?, ?, ?)`, task, stage, template, started, in, out, cost)
}

// --- QueryTaskCosts ---

func TestQueryTaskCosts(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertTask(t, c, "gh-1", 1, "2026-06-01T10:00:00Z")
	insertStage(t, c, "gh-1", "plan", "2026-06-01T10:00:00Z", "2026-06-01T10:10:00Z", 1000, 200, 0.5)
	insertStage(t, c, "gh-1", "build", "2026-06-01T10:10:00Z", "2026-06-01T10:40:00Z", 3000, 600, 1.25)
	insertHelper(t, c, "gh-1", "plan", "summarize", "2026-06-01T10:05:00Z", 100, 20, 0.01)
	insertHelper(t, c, "gh-1", "build", "failure_summary", "2026-06-01T10:30:00Z", 50, 10, 0.005)

	tc, err := QueryTaskCosts(d, "gh-1")
	if err != nil {
		t.Fatalf("QueryTaskCosts: %v", err)
	}
	if tc.Issue != 1 || tc.Status != "completed" {
		t.Errorf("task = %d/%s", tc.Issue, tc.Status)
	}
	if len(tc.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(tc.Stages))
	}
	if tc.Stages[0].Name != "plan" || tc.Stages[1].Name != "build" {
		t.Errorf("stage order = %s, %s", tc.Stages[0].Name, tc.Stages[1].Name)
	}
	if len(tc.Stages[0].Helpers) != 1 || tc.Stages[0].Helpers[0].Template != "summarize" {
		t.Errorf("plan helpers = %+v", tc.Stages[0].Helpers)
	}
	if len(tc.Stages[1].Helpers) != 1 || tc.Stages[1].Helpers[0].Template != "failure_summary" {
		t.Errorf("build helpers = %+v", tc.Stages[1].Helpers)
	}

	// Stage rows already include their helpers, so helpers are not added again.
	if tc.InputTokens != 4000 || tc.OutputTokens != 800 {
		t.Errorf("tokens = %d/%d, want 4000/800", tc.InputTokens, tc.OutputTokens)
	}
	if tc.CostUSD != 1.75 {
		t.Errorf("cost = %f, want 1.75", tc.CostUSD)
	}
	if len(tc.Unattributed) != 0 {
		t.Errorf("unexpected unattributed helpers: %+v", tc.Unattributed)
	}
}

func TestQueryTaskCosts_HelperFollowsLatestStageRun(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertTask(t, c, "gh-2", 2, "2026-06-01T10:00:00Z")
	insertStage(t, c, "gh-2", "build", "2026-06-01T10:00:00Z", "2026-06-01T10:05:00Z", 10, 1, 0.1)
	insertStage(t, c, "gh-2", "build", "2026-06-01T11:00:00Z", "2026-06-01T11:05:00Z", 20, 2, 0.2)
	insertHelper(t, c, "gh-2", "build", "early", "2026-06-01T10:01:00Z", 1, 1, 0.001)
	insertHelper(t, c, "gh-2", "build", "late", "2026-06-01T11:01:00Z", 1, 1, 0.001)

	tc, err := QueryTaskCosts(d, "gh-2")
	if err != nil {
		t.Fatalf("QueryTaskCosts: %v", err)
	}
	if len(tc.Stages) != 2 {
		t.Fatalf("expected 2 stage runs, got %d", len(tc.Stages))
	}
	if len(tc.Stages[0].Helpers) != 1 || tc.Stages[0].Helpers[0].Template != "early" {
		t.Errorf("first run helpers = %+v", tc.Stages[0].Helpers)
	}
	if len(tc.Stages[1].Helpers) != 1 || tc.Stages[1].Helpers[0].Template != "late" {
		t.Errorf("second run helpers = %+v", tc.Stages[1].Helpers)
	}
}

func TestQueryTaskCosts_UnattributedHelpers(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertTask(t, c, "gh-3", 3, "2026-06-01T10:00:00Z")
	insertHelper(t, c, "gh-3", "", "pr_description", "2026-06-01T10:01:00Z", 300, 40, 0.02)

	tc, err := QueryTaskCosts(d, "gh-3")
	if err != nil {
		t.Fatalf("QueryTaskCosts: %v", err)
	}
	if len(tc.Stages) != 0 {
		t.Errorf("expected no stages, got %d", len(tc.Stages))
	}
	if len(tc.Unattributed) != 1 {
		t.Fatalf("expected 1 unattributed helper, got %d", len(tc.Unattributed))
	}
	if tc.InputTokens != 300 || tc.OutputTokens != 40 || tc.CostUSD != 0.02 {
		t.Errorf("totals = %d/%d/%f", tc.InputTokens, tc.OutputTokens, tc.CostUSD)
	}
}

func TestQueryTaskCosts_NotFound(t *testing.T) {
	d := testDB(t)
	_, err := QueryTaskCosts(d, "gh-404")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

// --- QueryAllTaskCosts ---

func TestQueryAllTaskCosts(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertTask(t, c, "gh-1", 1, "2026-06-01T10:00:00Z")
	insertTask(t, c, "gh-2", 2, "2026-06-03T10:00:00Z")
	insertStage(t, c, "gh-1", "plan", "2026-06-01T10:00:00Z", "2026-06-01T10:10:00Z", 10, 1, 0.1)
	insertStage(t, c, "gh-2", "plan", "2026-06-03T10:00:00Z", "2026-06-03T10:10:00Z", 20, 2, 0.2)

	all, err := QueryAllTaskCosts(d, "")
	if err != nil {
		t.Fatalf("QueryAllTaskCosts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}
	if all[0].Task != "gh-2" {
		t.Errorf("most recent first: got %s", all[0].Task)
	}
	if all[1].InputTokens != 10 {
		t.Errorf("gh-1 input tokens = %d", all[1].InputTokens)
	}

	recent, err := QueryAllTaskCosts(d, "2026-06-02T00:00:00Z")
	if err != nil {
		t.Fatalf("QueryAllTaskCosts since: %v", err)
	}
	if len(recent) != 1 || recent[0].Task != "gh-2" {
		t.Errorf("since filter = %+v", recent)
	}
}

func TestQueryAllTaskCosts_Empty(t *testing.T) {
	d := testDB(t)
	all, err := QueryAllTaskCosts(d, "")
	if err != nil {
		t.Fatalf("QueryAllTaskCosts: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no tasks, got %d", len(all))
	}
}

// --- QueryStageDurations ---

func TestQueryStageDurations(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	insertStage(t, c, "gh-1", "plan", "2026-06-01T10:00:00Z", "2026-06-01T10:10:00Z", 0, 0, 0)
	insertStage(t, c, "gh-2", "plan", "2026-06-02T10:00:00Z", "2026-06-02T10:20:00Z", 0, 0, 0)
	insertStage(t, c, "gh-2", "build", "2026-06-02T10:20:00Z", "2026-06-02T10:50:00Z", 0, 0, 0)
	// Still running; no completed_at.
	exec(t, c, `INSERT INTO stages (task_id, name, status, started_at) VALUES ('gh-3', 'plan', 'running', '2026-06-03T10:00:00Z')`)

	results, err := QueryStageDurations(d, "")
	if err != nil {
		t.Fatalf("QueryStageDurations: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(results))
	}
	if results[0].Stage != "build" || results[0].Avg != 30.0 {
		t.Errorf("build = %+v", results[0])
	}
	if results[1].Stage != "plan" || results[1].Count != 2 || results[1].Avg != 15.0 {
		t.Errorf("plan = %+v", results[1])
	}

	since, err := QueryStageDurations(d, "2026-06-02T00:00:00Z")
	if err != nil {
		t.Fatalf("QueryStageDurations since: %v", err)
	}
	for _, r := range since {
		if r.Stage == "plan" && r.Count != 1 {
			t.Errorf("since filter kept %d plan runs", r.Count)
		}
	}
}

// --- Helper tests ---

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"2024-06-01 10:00:00", true},
		{"2024-06-01T10:00:00Z", true},
		{"2024-06-01T10:00:00.123456789Z", true},
		{"2024-06-01T10:00:00", true},
		{"2024-06-01 10:00:00.000", true},
		{"not-a-date", false},
	}
	for _, tc := range tests {
		_, err := parseTimestamp(tc.input)
		if tc.valid && err != nil {
			t.Errorf("parseTimestamp(%q) = error %v, want success", tc.input, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("parseTimestamp(%q) = success, want error", tc.input)
		}
	}
}

func TestAvg(t *testing.T) {
	if v := avg([]float64{10, 20, 30}); v != 20.0 {
		t.Errorf("avg([10,20,30]) = %f, want 20.0", v)
	}
	if v := avg(nil); v != 0.0 {
		t.Errorf("avg(nil) = %f, want 0.0", v)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p50 := percentile(values, 50)
	if p50 < 5.0 || p50 > 6.0 {
		t.Errorf("p50 = %f, expected ~5.5", p50)
	}
	p95 := percentile(values, 95)
	if p95 < 9.0 || p95 > 10.0 {
		t.Errorf("p95 = %f, expected ~9.6", p95)
	}
	if v := percentile(nil, 50); v != 0.0 {
		t.Errorf("percentile(nil, 50) = %f, want 0.0", v)
	}
}
