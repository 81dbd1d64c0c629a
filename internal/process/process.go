// Package process starts and tracks worker processes. A Handle is polled
// without blocking; reaping happens on a per-child goroutine and never
// touches task state.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ExitStatus describes how a process ended. Code is -1 when unknown, as for
// processes adopted from an earlier coordinator or killed by a signal.
// ExitedAt is zero when the exit was only inferred from liveness.
type ExitStatus struct {
	Code     int
	Signal   string
	ExitedAt time.Time
}

// Handle tracks one worker process.
type Handle interface {
	PID() int
	Started() time.Time
	// Poll reports the exit status once the process has exited.
	Poll() (ExitStatus, bool)
}

// Spec describes a process to start.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	LogPath string // stdout and stderr are appended here
}

// Spawner starts processes. Interface for testing.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// ExecSpawner starts real child processes. OnExit, when set, runs after a
// child has been reaped and its handle reports the exit.
type ExecSpawner struct {
	OnExit func()
}

// Spawn starts the process in its own process group, so a Ctrl-C aimed at
// the coordinator does not reach workers.
func (s *ExecSpawner) Spawn(spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// The child holds its own descriptor.
	if logFile != nil {
		logFile.Close()
	}

	h := &execHandle{pid: cmd.Process.Pid, started: time.Now(), done: make(chan struct{})}
	go h.wait(cmd, s.OnExit)
	return h, nil
}

type execHandle struct {
	pid     int
	started time.Time

	done   chan struct{}
	status ExitStatus
}

func (h *execHandle) wait(cmd *exec.Cmd, onExit func()) {
	err := cmd.Wait()
	st := ExitStatus{Code: -1, ExitedAt: time.Now()}
	if cmd.ProcessState != nil {
		st.Code = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
	} else if err != nil {
		st.Signal = err.Error()
	}
	h.status = st
	close(h.done)
	if onExit != nil {
		onExit()
	}
}

func (h *execHandle) PID() int           { return h.pid }
func (h *execHandle) Started() time.Time { return h.started }

func (h *execHandle) Poll() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

// Adopt returns a handle for a worker started by an earlier coordinator.
// Only liveness can be observed, so the exit code is always -1.
func Adopt(pid int, started time.Time) Handle {
	return &adoptedHandle{pid: pid, started: started}
}

type adoptedHandle struct {
	pid     int
	started time.Time
}

func (h *adoptedHandle) PID() int           { return h.pid }
func (h *adoptedHandle) Started() time.Time { return h.started }

func (h *adoptedHandle) Poll() (ExitStatus, bool) {
	if Alive(h.pid) {
		return ExitStatus{}, false
	}
	return ExitStatus{Code: -1}, true
}

// Alive probes pid with signal 0. A process we may not signal still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ChildWatcher turns SIGCHLD into a wakeup for the coordinator loop. It does
// not reap; each ExecSpawner child is reaped by its own wait goroutine.
// SIGCHLD also fires for short-lived gh and git children, so a wakeup only
// means "check your handles", never "a worker exited".
type ChildWatcher struct {
	sig  chan os.Signal
	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// WatchChildren starts a watcher. Call Stop when done.
func WatchChildren() *ChildWatcher {
	w := &ChildWatcher{
		sig:  make(chan os.Signal, 1),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	signal.Notify(w.sig, syscall.SIGCHLD)
	go w.loop()
	return w
}

func (w *ChildWatcher) loop() {
	for {
		select {
		case <-w.sig:
			w.Notify()
		case <-w.stop:
			return
		}
	}
}

// C delivers at most one pending wakeup after any number of child exits.
func (w *ChildWatcher) C() <-chan struct{} {
	return w.wake
}

// Notify queues a wakeup. Pass it as ExecSpawner.OnExit so a worker exit
// is seen even when its SIGCHLD was consumed before the handle was reaped.
func (w *ChildWatcher) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop unsubscribes from SIGCHLD.
func (w *ChildWatcher) Stop() {
	w.once.Do(func() {
		signal.Stop(w.sig)
		close(w.stop)
	})
}
