package failure

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts is the attempt budget given to new tasks.
const DefaultMaxAttempts = 3

// Policy controls the retry schedule.
type Policy struct {
	Base        time.Duration // first wait after a failure
	StartupBase time.Duration // first wait after a startup_error
	Max         time.Duration // cap on any single wait
}

// DefaultPolicy returns the schedule used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Minute,
		StartupBase: 10 * time.Second,
		Max:         30 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.StartupBase <= 0 {
		p.StartupBase = p.Base
		if d.StartupBase < p.StartupBase {
			p.StartupBase = d.StartupBase
		}
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Tracking is the per-task retry record.
type Tracking struct {
	AttemptCount   int
	MaxAttempts    int
	FailureHistory []Kind
	LastFailure    *Kind
	FailedAt       *time.Time
}

// NewTracking returns an empty record with the given budget.
func NewTracking(maxAttempts int) Tracking {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Tracking{MaxAttempts: maxAttempts}
}

// RecordFailure appends a failure and stamps the time.
func (t *Tracking) RecordFailure(kind Kind, now time.Time) {
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	t.FailureHistory = append(t.FailureHistory, kind)
	t.AttemptCount++
	k := kind
	t.LastFailure = &k
	at := now.UTC()
	t.FailedAt = &at
}

// CanRetry reports whether the attempt budget has room left.
func (t *Tracking) CanRetry() bool {
	max := t.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return t.AttemptCount < max
}

// CalculateBackoff returns the wait required after the most recent failure.
// Step n waits base(kind_n) * 2^(n-1), capped at p.Max. The result is the
// running maximum over the history, so it never shrinks as attempts grow.
func (t *Tracking) CalculateBackoff(p Policy) time.Duration {
	p = p.withDefaults()
	var wait time.Duration
	for i, kind := range t.FailureHistory {
		if d := step(p, kind, i+1); d > wait {
			wait = d
		}
	}
	// Legacy records may carry a count without kinds.
	for n := len(t.FailureHistory) + 1; n <= t.AttemptCount; n++ {
		if d := step(p, Unknown, n); d > wait {
			wait = d
		}
	}
	return wait
}

func step(p Policy, kind Kind, n int) time.Duration {
	base := p.Base
	if kind == StartupError {
		base = p.StartupBase
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RemainingBackoff is how much longer the task must wait before it is ready.
func (t *Tracking) RemainingBackoff(p Policy, now time.Time) time.Duration {
	if t.FailedAt == nil {
		return 0
	}
	remaining := t.CalculateBackoff(p) - now.Sub(*t.FailedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsReadyForRetry is true when retries remain and the backoff has elapsed.
// A task with no recorded failure is always ready.
func (t *Tracking) IsReadyForRetry(p Policy, now time.Time) bool {
	if !t.CanRetry() {
		return false
	}
	return t.RemainingBackoff(p, now) == 0
}

// Reset clears the failure history, keeping the attempt budget.
func (t *Tracking) Reset() {
	t.AttemptCount = 0
	t.FailureHistory = nil
	t.LastFailure = nil
	t.FailedAt = nil
}

var kindHints = map[Kind]string{
	StartupError:        "worker exits immediately; check the worker command and configuration",
	Timeout:             "agent runs exceed the hard timeout; consider splitting the task",
	APIError:            "provider API is failing; check quotas and status",
	ProviderUnavailable: "provider CLI missing or circuit open; check installation",
	ArtifactMissing:     "agent finished without producing its artifact; review the prompt",
	ConfigError:         "workflow configuration is invalid",
	WorkspaceError:      "workspace provisioning failed; check the repository and worktrees",
}

// Alerts summarizes the history in human-readable lines.
func (t *Tracking) Alerts() []string {
	var alerts []string
	if t.AttemptCount == 0 {
		return nil
	}
	if !t.CanRetry() {
		alerts = append(alerts, fmt.Sprintf("failed %d/%d attempts; manual intervention required", t.AttemptCount, t.MaxAttempts))
	}

	counts := make(map[Kind]int)
	for _, k := range t.FailureHistory {
		counts[k]++
	}
	for _, k := range Kinds {
		if counts[k] < 2 {
			continue
		}
		msg := fmt.Sprintf("repeated %s (%dx)", k, counts[k])
		if hint, ok := kindHints[k]; ok {
			msg += ": " + hint
		}
		alerts = append(alerts, msg)
	}

	if t.LastFailure != nil {
		alerts = append(alerts, "last failure: "+string(*t.LastFailure))
	}
	return alerts
}
