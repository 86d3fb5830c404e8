package supervisor

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is an opaque wrapper around a running external process. It is owned
// by the supervisor for exactly one connection at a time and is never handed
// to the UI layer.
type Handle struct {
	id        string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	tail      *lineTail

	done          chan struct{}
	stopRequested atomic.Bool

	mu       sync.Mutex
	finished bool
	exitCode int
	exitErr  error
}

// ID returns the connection id the process belongs to.
func (h *Handle) ID() string { return h.id }

// PID returns the operating system process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// StopRequested reports whether a stop was issued for this process.
func (h *Handle) StopRequested() bool {
	return h.stopRequested.Load()
}

func (h *Handle) markStopRequested() {
	h.stopRequested.Store(true)
}

// ExitCode returns the exit code once the process has finished.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		return 0, false
	}
	return h.exitCode, true
}

// OutputTail returns the captured tail of the process output.
func (h *Handle) OutputTail() []string {
	return h.tail.Lines()
}

func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	h.finished = true
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}
