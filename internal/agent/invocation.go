package agent

// Invocation is the outcome of asking a stage's agent to do its work,
// including any fallback attempt. A failed invocation is a normal value:
// Failure holds the reason and Usage is zero.
type Invocation struct {
	Provider     string
	Model        string
	Usage        Usage
	UsedFallback bool
	LogPath      string
	Failure      error
}

// OK reports whether the invocation succeeded.
func (i Invocation) OK() bool { return i.Failure == nil }
