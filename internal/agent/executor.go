package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrTimeout is returned when a command exceeds its hard timeout.
	ErrTimeout = errors.New("agent timed out")
	// ErrProviderUnavailable is returned when a provider cannot be reached at all.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Command is a fully resolved agent invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Stdin   string
	Env     []string
	Timeout time.Duration
	Log     io.Writer // receives stdout as it streams; optional
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished command produced. A non-zero exit is data, not an error.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Executor runs agent commands. Interface for testing.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// ExecExecutor runs commands as child processes in their own process group.
type ExecExecutor struct{}

// Execute starts the command, drains both pipes concurrently and waits.
// On timeout or cancellation the whole process group is killed.
func (e *ExecExecutor) Execute(ctx context.Context, c Command) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, c.Name, err)
		}
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	var outW io.Writer = &stdout
	if c.Log != nil {
		outW = io.MultiWriter(&stdout, c.Log)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(outW, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, stderrPipe)
		return err
	})
	copyErr := g.Wait()
	waitErr := cmd.Wait()
	close(done)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %s: %s", ErrTimeout, c.Timeout, c.Name)
		}
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", c.Name, waitErr)
	}
	if copyErr != nil {
		return res, fmt.Errorf("read output of %s: %w", c.Name, copyErr)
	}
	return res, nil
}

// ExitError describes a command that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// CheckExit turns a non-zero exit into an *ExitError carrying the stderr tail.
func CheckExit(res Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	return &ExitError{Code: res.ExitCode, Stderr: tail(string(res.Stderr), 500)}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
