package analytics

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// HelperCost is the spend of one helper agent call.
type HelperCost struct {
	ID           int64   `json:"id"`
	Template     string  `json:"template"`
	Purpose      string  `json:"purpose,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	Status       string  `json:"status"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// StageCost is the spend of one stage run. Its totals already include the
// helpers it called, which are listed under it.
type StageCost struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Status       string       `json:"status"`
	UsedFallback bool         `json:"used_fallback,omitempty"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	CostUSD      float64      `json:"cost_usd"`
	Helpers      []HelperCost `json:"helpers,omitempty"`

	started time.Time
}

// TaskCost rolls up spend for a task: stages, plus any helpers that ran
// outside a recorded stage.
type TaskCost struct {
	Task         string       `json:"task"`
	Issue        int          `json:"issue"`
	Status       string       `json:"status"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	CostUSD      float64      `json:"cost_usd"`
	Stages       []StageCost  `json:"stages,omitempty"`
	Unattributed []HelperCost `json:"unattributed_helpers,omitempty"`
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// ErrTaskNotFound is returned by QueryTaskCosts for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// QueryTaskCosts returns the task, stage and helper cost tree for one task.
func QueryTaskCosts(database DB, taskID string) (*TaskCost, error) {
	tc := &TaskCost{Task: taskID}
	err := database.Conn().QueryRow(database.Rebind(
		`SELECT issue, status FROM tasks WHERE id = ?`), taskID).Scan(&tc.Issue, &tc.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("query task %s: %w", taskID, err)
	}

	stages, err := queryStageCosts(database, taskID)
	if err != nil {
		return nil, err
	}
	if err := attachHelpers(database, tc, stages); err != nil {
		return nil, err
	}
	tc.Stages = stages

	for _, s := range tc.Stages {
		tc.InputTokens += s.InputTokens
		tc.OutputTokens += s.OutputTokens
		tc.CostUSD += s.CostUSD
	}
	for _, h := range tc.Unattributed {
		tc.InputTokens += h.InputTokens
		tc.OutputTokens += h.OutputTokens
		tc.CostUSD += h.CostUSD
	}
	tc.CostUSD = roundCost(tc.CostUSD)
	return tc, nil
}

// QueryAllTaskCosts returns the cost tree of every task started at or after
// since (RFC 3339; empty means all), most recent first.
func QueryAllTaskCosts(database DB, since string) ([]TaskCost, error) {
	query := `SELECT id FROM tasks`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE started_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY started_at DESC, id`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]TaskCost, 0, len(ids))
	for _, id := range ids {
		tc, err := QueryTaskCosts(database, id)
		if err != nil {
			return nil, err
		}
		results = append(results, *tc)
	}
	return results, nil
}

func queryStageCosts(database DB, taskID string) ([]StageCost, error) {
	rows, err := database.Conn().Query(database.Rebind(
		`SELECT id, name, provider, model, status, used_fallback, started_at,
		        input_tokens, output_tokens, cost_usd
		 FROM stages WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query stage costs: %w", err)
	}
	defer rows.Close()

	var out []StageCost
	for rows.Next() {
		var s StageCost
		var fallback int
		var started string
		if err := rows.Scan(&s.ID, &s.Name, &s.Provider, &s.Model, &s.Status, &fallback, &started,
			&s.InputTokens, &s.OutputTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("scan stage cost: %w", err)
		}
		s.UsedFallback = fallback != 0
		s.started, _ = parseTimestamp(started)
		out = append(out, s)
	}
	return out, rows.Err()
}

// attachHelpers files each helper under the latest run of its stage that
// started no later than the helper did.
func attachHelpers(database DB, tc *TaskCost, stages []StageCost) error {
	rows, err := database.Conn().Query(database.Rebind(
		`SELECT id, stage, template, purpose, provider, model, status, started_at,
		        input_tokens, output_tokens, cost_usd
		 FROM helpers WHERE task_id = ? ORDER BY id`), tc.Task)
	if err != nil {
		return fmt.Errorf("query helper costs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h HelperCost
		var stage, started string
		if err := rows.Scan(&h.ID, &stage, &h.Template, &h.Purpose, &h.Provider, &h.Model, &h.Status, &started,
			&h.InputTokens, &h.OutputTokens, &h.CostUSD); err != nil {
			return fmt.Errorf("scan helper cost: %w", err)
		}
		at, _ := parseTimestamp(started)

		owner := -1
		for i := range stages {
			if stages[i].Name != stage {
				continue
			}
			if owner < 0 || at.IsZero() || !stages[i].started.After(at) {
				owner = i
			}
		}
		if owner < 0 {
			tc.Unattributed = append(tc.Unattributed, h)
			continue
		}
		stages[owner].Helpers = append(stages[owner].Helpers, h)
	}
	return rows.Err()
}

// QueryStageDurations returns average and percentile durations per stage
// over finished stage runs started at or after since.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `SELECT name, started_at, completed_at FROM stages WHERE completed_at IS NOT NULL`
	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage, startTS, endTS string
		if err := rows.Scan(&stage, &startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		start, err := parseTimestamp(startTS)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		minutes := end.Sub(start).Minutes()
		if minutes > 0 {
			stageDurations[stage] = append(stageDurations[stage], minutes)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
