// Package supervisor starts, tracks, and terminates the external VPN client
// processes. It owns the mapping from connection id to at most one live
// process and reports exits that were not requested so the state machine can
// decide whether to reconnect.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/util"
)

// Supervisor errors.
var (
	// ErrAlreadyRunning is returned when a process is started for a
	// connection that already has a live one.
	ErrAlreadyRunning = errors.New("process already running for connection")
	// ErrNotRunning is returned when stopping a connection without a live
	// process.
	ErrNotRunning = errors.New("no process running for connection")
)

// Event reports a process exit that was not requested through Stop.
type Event struct {
	ID       string
	PID      int
	ExitCode int
	// Err is set when the process could not be waited on, as opposed to
	// exiting with a code.
	Err error
	// Output is the captured tail of stdout/stderr for diagnosis.
	Output []string
	Time   time.Time
}

// Supervisor manages external client processes, one per connection id.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*Handle
	events chan Event
	grace  time.Duration
	logger *slog.Logger
}

// New creates a supervisor. grace bounds how long a graceful stop may take
// before the process is killed.
func New(grace time.Duration, logger *slog.Logger) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if logger == nil {
		logger = logging.WithComponent("supervisor")
	}
	return &Supervisor{
		procs:  make(map[string]*Handle),
		events: make(chan Event, 16),
		grace:  grace,
		logger: logger,
	}
}

// Events returns the channel of unexpected process exits.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start spawns a process for the given connection id with stdout/stderr
// captured. At most one live process per id is allowed.
func (s *Supervisor) Start(ctx context.Context, id, name string, args ...string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.procs[id]; ok && existing.Alive() {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, id, existing.PID())
	}

	tail := newLineTail(outputTailLines, s.logger.With("connection_id", id))
	cmd := exec.Command(name, args...)
	cmd.Stdout = tail
	cmd.Stderr = tail
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	h := &Handle{
		id:        id,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		tail:      tail,
		done:      make(chan struct{}),
	}
	s.procs[id] = h

	s.logger.Info("process started",
		"connection_id", id,
		"command", name,
		"pid", h.pid)

	go s.wait(h)
	return h, nil
}

// wait blocks until the process exits, records the result, and emits an
// event when the exit was not requested.
func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()
	code := exitCode(h.cmd, err)
	h.finish(code, err)

	s.mu.Lock()
	if s.procs[h.id] == h {
		delete(s.procs, h.id)
	}
	s.mu.Unlock()

	if h.StopRequested() {
		s.logger.Debug("process exited after stop",
			"connection_id", h.id,
			"pid", h.pid,
			"exit_code", code)
		return
	}

	s.logger.Warn("process exited unexpectedly",
		"connection_id", h.id,
		"pid", h.pid,
		"exit_code", code)

	ev := Event{
		ID:       h.id,
		PID:      h.pid,
		ExitCode: code,
		Output:   h.OutputTail(),
		Time:     time.Now(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		ev.Err = err
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event queue full, dropping exit event", "connection_id", h.id)
	}
}

// Stop terminates the process for the given connection id: graceful
// termination first, then a kill once the grace period expires.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.procs[id]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return s.stopHandle(ctx, h)
}

func (s *Supervisor) stopHandle(ctx context.Context, h *Handle) error {
	h.markStopRequested()

	if err := terminate(h.cmd.Process); err != nil {
		s.logger.Debug("graceful termination signal failed",
			"connection_id", h.id,
			"error", err)
	}

	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		kill(h.cmd.Process, h.pid)
		return ctx.Err()
	case <-time.After(s.grace):
	}

	s.logger.Warn("graceful stop timed out, killing process",
		"connection_id", h.id,
		"pid", h.pid,
		"grace", s.grace)
	kill(h.cmd.Process, h.pid)

	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.grace):
		return fmt.Errorf("process %d for %s did not exit after kill", h.pid, h.id)
	}
}

// Get returns the live handle for a connection id, if any.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[id]
	return h, ok
}

// Running returns the connection ids with a live process.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every supervised process, collecting errors.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	errs := util.NewMultiError()
	for _, h := range handles {
		if err := s.stopHandle(ctx, h); err != nil {
			errs.Add(fmt.Errorf("stopping %s: %w", h.id, err))
		}
	}
	return errs.Err()
}

// exitCode extracts the exit code after Wait returned.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
