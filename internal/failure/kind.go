package failure

import (
	"regexp"
	"strings"
)

// Kind classifies why a worker run or stage failed.
type Kind string

const (
	StartupError        Kind = "startup_error"
	Timeout             Kind = "timeout"
	APIError            Kind = "api_error"
	ProviderUnavailable Kind = "provider_unavailable"
	ArtifactMissing     Kind = "artifact_missing"
	ConfigError         Kind = "config_error"
	WorkspaceError      Kind = "workspace_error"
	Unknown             Kind = "unknown"
)

// Kinds lists every failure kind in a stable order.
var Kinds = []Kind{
	StartupError, Timeout, APIError, ProviderUnavailable,
	ArtifactMissing, ConfigError, WorkspaceError, Unknown,
}

// ParseKind maps a persisted string back to a Kind. Unrecognized values
// become Unknown so old queue files never fail to load.
func ParseKind(s string) Kind {
	k := Kind(strings.TrimSpace(s))
	for _, known := range Kinds {
		if k == known {
			return k
		}
	}
	return Unknown
}

func (k Kind) String() string { return string(k) }

// Context carries the non-textual signals available when classifying.
type Context struct {
	ExitCode       *int
	InstantFailure bool
}

// ExitCode is a convenience for building a Context with a known exit code.
func ExitCode(code int) *int { return &code }

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

// Order matters: more specific families are checked first.
var patterns = []pattern{
	{ConfigError, regexp.MustCompile(`(?i)(config(uration)? error|invalid workflow|missing (agent|provider|model)|yaml:|template .*not found)`)},
	{ProviderUnavailable, regexp.MustCompile(`(?i)(provider unavailable|unknown provider|executable file not found|circuit breaker is open|too many requests in half-open)`)},
	{Timeout, regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded|timeout)`)},
	{APIError, regexp.MustCompile(`(?i)(rate.?limit|\b429\b|\b5\d\d\b|overloaded|api error|connection (refused|reset)|service unavailable|bad gateway)`)},
	{ArtifactMissing, regexp.MustCompile(`(?i)(artifact missing|was not produced|no such artifact)`)},
	{WorkspaceError, regexp.MustCompile(`(?i)(worktree|provision(ing)? workspace|not a git repository)`)},
	{StartupError, regexp.MustCompile(`(?i)(failed to start|exec format error|permission denied|no such file or directory)`)},
}

// Categorize maps an error message and context to exactly one Kind.
// It is total: anything unmatched is Unknown.
func Categorize(text string, ctx Context) Kind {
	if ctx.InstantFailure {
		return StartupError
	}
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.kind
		}
	}
	if ctx.ExitCode != nil {
		switch *ctx.ExitCode {
		case 124, 137:
			return Timeout
		case 126, 127:
			return StartupError
		}
	}
	return Unknown
}
