package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/logging"
)

var (
	// ErrAlreadyActive is returned when connect is requested while the
	// connection is already connected or an attempt is in flight.
	ErrAlreadyActive = errors.New("connection already active")

	// ErrBusy is returned when a command cannot be accepted because a
	// disconnect is still in progress.
	ErrBusy = errors.New("disconnect in progress")
)

// Action tells the caller which adapter side effect to run after a state
// transition. The machine itself never performs I/O.
type Action int

const (
	ActionNone Action = iota
	ActionConnect
	ActionDisconnect
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

// Settings bounds the timing behavior of a machine.
type Settings struct {
	// ConnectTimeout is how long a connect attempt may sit in the
	// connecting phase without a successful probe.
	ConnectTimeout time.Duration

	// BackoffInitial is the delay before the first reconnect attempt.
	BackoffInitial time.Duration

	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// MaxRetries is the number of reconnect attempts before giving up.
	MaxRetries int

	// FailureThreshold is how many consecutive missed probes a connected
	// tunnel survives before it is considered down.
	FailureThreshold int
}

// DefaultSettings returns the timing defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:   30 * time.Second,
		BackoffInitial:   2 * time.Second,
		BackoffMax:       60 * time.Second,
		BackoffFactor:    2.0,
		MaxRetries:       5,
		FailureThreshold: 3,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.ConnectTimeout
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = def.BackoffInitial
	}
	if s.BackoffMax < s.BackoffInitial {
		s.BackoffMax = def.BackoffMax
	}
	if s.BackoffFactor < 1 {
		s.BackoffFactor = def.BackoffFactor
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	return s
}

// TransitionHook is called synchronously on every phase change while the
// machine lock is held. It must not call back into the machine.
type TransitionHook func(conn backend.Connection, from, to Phase, cause *Error)

// Machine is the state machine for a single connection. All methods are
// safe for concurrent use; commands and results are applied atomically so
// phase transitions are strictly ordered.
//
// Every accepted user command bumps an epoch counter. In-flight adapter
// results and probes carry the epoch they were started under, and results
// from a superseded epoch are discarded. This is what makes "disconnect
// always wins": once the user disconnects, a late connect success cannot
// resurrect the connection.
type Machine struct {
	mu   sync.Mutex
	conn backend.Connection

	settings Settings
	logger   *slog.Logger
	hook     TransitionHook

	epoch   uint64
	phase   Phase
	desired Phase
	lastErr *Error

	connectingSince time.Time
	connectedSince  time.Time

	// reconnect cycle bookkeeping
	retrying    bool
	attempt     int
	backoff     time.Duration
	nextRetryAt time.Time

	probeMisses int
	observed    backend.ObservedStatus
	observedAt  time.Time
}

// NewMachine creates a machine for conn starting in the disconnected phase.
func NewMachine(conn backend.Connection, settings Settings, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = logging.WithComponent("conn")
	}
	s := settings.withDefaults()
	return &Machine{
		conn:     conn,
		settings: s,
		logger:   logger.With("connection_id", conn.ID),
		phase:    PhaseDisconnected,
		desired:  PhaseDisconnected,
		backoff:  s.BackoffInitial,
	}
}

// SetTransitionHook registers fn to observe phase changes.
func (m *Machine) SetTransitionHook(fn TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// ID returns the connection ID.
func (m *Machine) ID() string { return m.conn.ID }

// Conn returns a copy of the connection definition.
func (m *Machine) Conn() backend.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// UpdateConn replaces the connection definition. The change applies to the
// next connect attempt; a live tunnel keeps running with the old settings.
func (m *Machine) UpdateConn(conn backend.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Epoch returns the current epoch together with the phase, for tagging
// asynchronous work started on the machine's behalf.
func (m *Machine) Epoch() (uint64, Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.phase
}

// CommandConnect applies a user connect request. It returns the action the
// caller must run and the epoch to tag its result with. Connect is only
// accepted from the disconnected and failed phases.
func (m *Machine) CommandConnect(now time.Time) (Action, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseConnected, PhaseConnecting, PhaseReconnecting:
		return ActionNone, m.epoch, ErrAlreadyActive
	case PhaseDisconnecting:
		return ActionNone, m.epoch, ErrBusy
	}

	m.epoch++
	m.desired = PhaseConnected
	m.lastErr = nil
	m.retrying = false
	m.attempt = 0
	m.backoff = m.settings.BackoffInitial
	m.probeMisses = 0
	m.connectingSince = now
	m.transition(PhaseConnecting, nil)
	return ActionConnect, m.epoch, nil
}

// CommandDisconnect applies a user disconnect request. It always wins over
// any in-flight attempt: the epoch is bumped so late results of the
// superseded attempt are discarded.
func (m *Machine) CommandDisconnect(now time.Time) (Action, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.desired = PhaseDisconnected

	switch m.phase {
	case PhaseDisconnected, PhaseDisconnecting:
		return ActionNone, m.epoch, nil
	case PhaseFailed:
		// Nothing is running; acknowledging the intent clears the error.
		m.epoch++
		m.lastErr = nil
		m.transition(PhaseDisconnected, nil)
		return ActionNone, m.epoch, nil
	}

	// Connecting, connected or reconnecting: tear down whatever the
	// backend may have brought up, even partially.
	m.epoch++
	m.retrying = false
	m.transition(PhaseDisconnecting, nil)
	return ActionDisconnect, m.epoch, nil
}

// FailConnect records a connect request that was rejected before any
// attempt started, such as a missing backend binary or an invalid config.
// The connection moves straight to failed without passing through
// connecting.
func (m *Machine) FailConnect(e *Error, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseConnected, PhaseConnecting, PhaseReconnecting:
		return ErrAlreadyActive
	case PhaseDisconnecting:
		return ErrBusy
	}

	m.epoch++
	m.desired = PhaseConnected
	m.lastErr = e
	m.transition(PhaseFailed, e)
	return nil
}

// AdapterConnectResult applies the outcome of an adapter Connect call. A
// nil error keeps the machine in connecting until a probe confirms the
// tunnel; the spawned process alone proves nothing. Results from a
// superseded epoch are discarded.
func (m *Machine) AdapterConnectResult(epoch uint64, err error, now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.phase != PhaseConnecting {
		return ActionNone
	}
	if err == nil {
		return ActionNone
	}

	cause := classifyOr(err, KindSpawnFailed)
	if m.retrying && cause.Kind.Retryable() {
		return m.scheduleRetryLocked(cause, now)
	}
	m.failLocked(cause)
	return ActionNone
}

// AdapterDisconnectResult applies the outcome of an adapter Disconnect
// call. Teardown errors are logged but the connection still lands in
// disconnected; the supervisor's kill escalation guarantees the process is
// gone.
func (m *Machine) AdapterDisconnectResult(epoch uint64, err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.phase != PhaseDisconnecting {
		return
	}
	if err != nil {
		m.logger.Warn("disconnect finished with error", "error", err)
	}
	m.connectedSince = time.Time{}
	m.observed = backend.ObservedStatus{}
	m.probeMisses = 0
	m.transition(PhaseDisconnected, nil)
}

// ObserveProbe applies a probe result. Probe results are recorded in every
// phase so status snapshots stay honest, but only connecting and connected
// act on them. Stale probes from a superseded epoch are discarded.
func (m *Machine) ObserveProbe(epoch uint64, st backend.ObservedStatus, err error, now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		return ActionNone
	}

	m.observed = st
	m.observedAt = now

	switch m.phase {
	case PhaseConnecting:
		if err != nil {
			if kind := Classify(err); kind != "" && !kind.Retryable() {
				// Fatal marker surfaced by the backend, such as a
				// rejected authentication. Waiting longer cannot help.
				m.failLocked(&Error{Kind: kind, Message: err.Error()})
				return ActionDisconnect
			}
			// Transient probe noise while the tunnel is still coming up.
			return ActionNone
		}
		if st.Up {
			m.connectedSince = now
			m.lastErr = nil
			m.retrying = false
			m.attempt = 0
			m.backoff = m.settings.BackoffInitial
			m.probeMisses = 0
			m.transition(PhaseConnected, nil)
		}
		return ActionNone

	case PhaseConnected:
		if err == nil && st.Up {
			m.probeMisses = 0
			return ActionNone
		}
		m.probeMisses++
		if m.probeMisses < m.settings.FailureThreshold {
			return ActionNone
		}
		var cause *Error
		if err != nil {
			cause = classifyOr(err, KindLinkDown)
		} else {
			cause = &Error{Kind: KindLinkDown, Message: linkDownMessage(st)}
		}
		return m.linkLostLocked(cause, now)

	default:
		return ActionNone
	}
}

// ProcessExit applies an unexpected process exit reported by the
// supervisor. Exits during a requested teardown never reach this method.
func (m *Machine) ProcessExit(exitCode int, now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseConnecting, PhaseConnected:
	default:
		return ActionNone
	}

	cause := &Error{
		Kind:    KindUnexpectedExit,
		Message: fmt.Sprintf("tunnel process exited with code %d", exitCode),
	}
	return m.linkLostLocked(cause, now)
}

// Tick advances time-driven transitions: connect confirmation timeouts and
// due reconnect attempts.
func (m *Machine) Tick(now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseConnecting:
		if now.Sub(m.connectingSince) < m.settings.ConnectTimeout {
			return ActionNone
		}
		cause := &Error{
			Kind:    KindProbeTimeout,
			Message: fmt.Sprintf("no successful probe within %s", m.settings.ConnectTimeout),
		}
		if m.retrying {
			return m.scheduleRetryLocked(cause, now)
		}
		m.failLocked(cause)
		// The spawned process may still be limping along; tear it down.
		return ActionDisconnect

	case PhaseReconnecting:
		if now.Before(m.nextRetryAt) {
			return ActionNone
		}
		m.attempt++
		m.connectingSince = now
		m.probeMisses = 0
		m.transition(PhaseConnecting, nil)
		return ActionConnect
	}
	return ActionNone
}

// linkLostLocked handles a confirmed loss of an established or establishing
// tunnel. Auto-reconnect enters the retry cycle; otherwise the connection
// fails with the given cause.
func (m *Machine) linkLostLocked(cause *Error, now time.Time) Action {
	m.connectedSince = time.Time{}
	m.probeMisses = 0

	if !m.conn.Reconnect() || !cause.Kind.Retryable() {
		m.failLocked(cause)
		return ActionDisconnect
	}

	if !m.retrying {
		m.retrying = true
		m.attempt = 0
		m.backoff = m.settings.BackoffInitial
	}
	return m.scheduleRetryLocked(cause, now)
}

// scheduleRetryLocked books the next reconnect attempt or gives up once the
// retry budget is spent. The caller must hold the lock and have counted the
// failed attempt in m.attempt already (zero for the initial loss).
func (m *Machine) scheduleRetryLocked(cause *Error, now time.Time) Action {
	m.lastErr = cause

	if m.attempt >= m.settings.MaxRetries {
		exhausted := &Error{
			Kind:    KindRetriesExhausted,
			Message: fmt.Sprintf("gave up after %d attempts: %s", m.attempt, cause.Error()),
		}
		m.failLocked(exhausted)
		return ActionDisconnect
	}

	m.nextRetryAt = now.Add(m.backoff)
	m.backoff = nextBackoff(m.backoff, m.settings.BackoffFactor, m.settings.BackoffMax)
	m.transition(PhaseReconnecting, cause)
	// Whatever half-open state the failed attempt left behind must be
	// cleaned up before the next one starts.
	return ActionDisconnect
}

func (m *Machine) failLocked(cause *Error) {
	m.lastErr = cause
	m.connectedSince = time.Time{}
	m.retrying = false
	m.transition(PhaseFailed, cause)
}

// transition changes the phase and notifies the hook. Callers hold the lock.
func (m *Machine) transition(to Phase, cause *Error) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	if cause != nil {
		m.logger.Info("phase changed", "from", from, "to", to, "cause", cause.Error())
	} else {
		m.logger.Info("phase changed", "from", from, "to", to)
	}
	if m.hook != nil {
		m.hook(m.conn, from, to, cause)
	}
}

func nextBackoff(cur time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > max {
		next = max
	}
	if next < cur {
		// Guards against overflow with absurd factors.
		next = max
	}
	return next
}

func linkDownMessage(st backend.ObservedStatus) string {
	if st.Message != "" {
		return st.Message
	}
	return "tunnel no longer observed"
}
