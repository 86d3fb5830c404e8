// Package orchestrator owns the runtime state of every configured
// connection and device. It dispatches user commands to the backend
// adapters, runs the single poll loop that drives the state machines,
// applies process exit events from the supervisor, and publishes status
// snapshots to the API, tray and CLI collaborators.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/credentials"
	"github.com/rennerdo30/heimdall/internal/journal"
	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/metrics"
	"github.com/rennerdo30/heimdall/internal/rdp"
	"github.com/rennerdo30/heimdall/internal/supervisor"
	"github.com/rennerdo30/heimdall/internal/util"
	"github.com/rennerdo30/heimdall/internal/wol"
)

// Orchestrator errors.
var (
	// ErrUnknownConnection is returned for commands addressing a
	// connection id or name that is not configured.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnknownDevice is returned for wake requests addressing a device
	// that is not configured.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownTarget is returned for RDP launches addressing a target
	// that is not configured.
	ErrUnknownTarget = errors.New("unknown rdp target")
	// ErrNotRunning is returned for commands issued before Start or after
	// Stop.
	ErrNotRunning = errors.New("orchestrator not running")
	// ErrQueueFull is returned when the command queue cannot accept more
	// work.
	ErrQueueFull = errors.New("command queue full")
)

const commandQueueSize = 64

// InstallAdvisor surfaces the package-manager command that would install a
// missing backend. The orchestrator only quotes the command in error
// messages; it never executes it.
type InstallAdvisor interface {
	InstallCommand(kind backend.Kind) (string, error)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config      *config.Config
	Registry    *backend.Registry
	Supervisor  *supervisor.Supervisor
	Credentials credentials.Store
	Installer   InstallAdvisor
	Collector   *metrics.Collector
	Journal     *journal.Journal
	Logger      *slog.Logger
}

// command is a queued user request for one connection.
type command struct {
	id     string
	action conn.Action
}

// entry pairs one connection's state machine with its adapter. The opMu
// serializes adapter side effects per connection so a teardown never
// overlaps the connect attempt it is cleaning up after.
type entry struct {
	machine *conn.Machine
	adapter backend.Adapter

	opMu      sync.Mutex
	probeBusy atomic.Bool
}

// Orchestrator drives all connection state machines from one loop.
// The entry map is built once in New and never mutated afterwards; all
// per-connection state lives behind the machines' own locks.
type Orchestrator struct {
	cfg      *config.Config
	monitor  config.MonitorConfig
	registry *backend.Registry
	sup      *supervisor.Supervisor
	creds    credentials.Store
	advisor  InstallAdvisor
	col      *metrics.Collector
	journal  *journal.Journal
	logger   *slog.Logger

	waker    *wol.Waker
	tracker  *wol.Tracker
	launcher *rdp.Launcher

	entries map[string]*entry
	order   []string

	commands chan command
	changed  chan struct{}
	probeSem chan struct{}

	mu       sync.Mutex
	onChange func()
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	sweepBusy atomic.Bool
}

// New builds an orchestrator over the given configuration. The config must
// already be normalized and sanitized.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("orchestrator requires a config")
	}
	if opts.Registry == nil {
		return nil, errors.New("orchestrator requires a backend registry")
	}
	if opts.Supervisor == nil {
		return nil, errors.New("orchestrator requires a supervisor")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("orchestrator")
	}
	col := opts.Collector
	if col == nil {
		col = metrics.NewCollector(metrics.New())
	}
	jrnl := opts.Journal
	if jrnl == nil {
		jrnl = journal.New(0)
	}

	monitor := withMonitorDefaults(opts.Config.Monitor)
	settings := monitor.Settings()

	o := &Orchestrator{
		cfg:      opts.Config,
		monitor:  monitor,
		registry: opts.Registry,
		sup:      opts.Supervisor,
		creds:    opts.Credentials,
		advisor:  opts.Installer,
		col:      col,
		journal:  jrnl,
		logger:   logger,
		waker:    wol.NewWaker(),
		tracker:  wol.NewTracker(monitor.DeviceStaleAfter.Duration()),
		launcher: rdp.NewLauncher(),
		entries:  make(map[string]*entry, len(opts.Config.Connections)),
		commands: make(chan command, commandQueueSize),
		changed:  make(chan struct{}, 1),
		probeSem: make(chan struct{}, monitor.MaxConcurrentProbes),
	}

	for _, c := range opts.Config.Connections {
		adapter, err := opts.Registry.Get(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", c.ID, err)
		}
		m := conn.NewMachine(c, settings, logger)
		m.SetTransitionHook(o.onTransition)
		o.entries[c.ID] = &entry{machine: m, adapter: adapter}
		o.order = append(o.order, c.ID)
	}

	o.tracker.SetDevices(opts.Config.Devices)
	return o, nil
}

// withMonitorDefaults fills unset loop tuning with the defaults.
func withMonitorDefaults(m config.MonitorConfig) config.MonitorConfig {
	if m.TickInterval.Duration() <= 0 {
		m.TickInterval = config.Duration(2 * time.Second)
	}
	if m.ProbeTimeout.Duration() <= 0 {
		m.ProbeTimeout = config.Duration(10 * time.Second)
	}
	if m.ConnectTimeout.Duration() <= 0 {
		m.ConnectTimeout = config.Duration(conn.DefaultSettings().ConnectTimeout)
	}
	if m.DisconnectGrace.Duration() <= 0 {
		m.DisconnectGrace = config.Duration(5 * time.Second)
	}
	if m.MaxConcurrentProbes <= 0 {
		m.MaxConcurrentProbes = 8
	}
	if m.DeviceSweepEvery <= 0 {
		m.DeviceSweepEvery = 5
	}
	return m
}

// SetChangeHook registers fn to run after any connection phase change or
// device sweep. It is invoked from the orchestrator's own loop, never while
// machine locks are held, so it may call Snapshot. Set it before Start.
func (o *Orchestrator) SetChangeHook(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = fn
}

// onTransition is the machines' transition hook. It runs with the machine
// lock held, so it only records metrics and the journal entry, then
// schedules a change signal.
func (o *Orchestrator) onTransition(c backend.Connection, from, to conn.Phase, cause *conn.Error) {
	o.col.RecordTransition(c.ID, from, to)
	if to == conn.PhaseReconnecting {
		o.col.RecordReconnect(c.ID)
		if cause != nil && cause.Kind == conn.KindUnexpectedExit {
			o.col.RecordRestart(c.ID)
		}
	}

	var causeErr error
	if cause != nil {
		causeErr = cause
	}
	o.journal.RecordTransition(c.ID, c.Name, string(from), string(to), causeErr)

	o.signalChange()
}

// signalChange schedules one change notification; signals coalesce.
func (o *Orchestrator) signalChange() {
	select {
	case o.changed <- struct{}{}:
	default:
	}
}

// Start launches the poll loop and enqueues connects for auto-connect
// profiles when the global switch is on.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx)

	o.logger.Info("orchestrator started",
		"connections", len(o.order),
		"devices", len(o.cfg.Devices),
		"tick", o.monitor.TickInterval.Duration())

	if o.cfg.AutoConnect {
		for _, id := range o.order {
			e := o.entries[id]
			if !e.machine.Conn().AutoConnect {
				continue
			}
			if err := o.Connect(id); err != nil {
				o.logger.Warn("auto-connect not queued", "connection_id", id, "error", err)
			}
		}
	}
	return nil
}

// Stop halts the loop and tears down every active tunnel. Processes the
// supervisor still tracks afterwards are stopped as a backstop.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()

	errs := util.NewMultiError()
	now := time.Now()
	for _, id := range o.order {
		e := o.entries[id]
		action, epoch, err := e.machine.CommandDisconnect(now)
		if err != nil || action != conn.ActionDisconnect {
			continue
		}
		e.opMu.Lock()
		derr := o.teardown(ctx, e)
		e.machine.AdapterDisconnectResult(epoch, derr, time.Now())
		e.opMu.Unlock()
		if derr != nil {
			errs.Add(fmt.Errorf("disconnecting %s: %w", id, derr))
		}
	}

	if err := o.sup.StopAll(ctx); err != nil {
		errs.Add(err)
	}

	o.logger.Info("orchestrator stopped")
	return errs.Err()
}

// Connect queues a connect for the given connection id or name. The
// request is applied by the loop; progress is visible through snapshots.
func (o *Orchestrator) Connect(ref string) error {
	return o.enqueue(ref, conn.ActionConnect)
}

// Disconnect queues a disconnect for the given connection id or name.
// Disconnect always wins over any in-flight attempt.
func (o *Orchestrator) Disconnect(ref string) error {
	return o.enqueue(ref, conn.ActionDisconnect)
}

func (o *Orchestrator) enqueue(ref string, action conn.Action) error {
	e := o.lookup(ref)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, ref)
	}

	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case o.commands <- command{id: e.machine.ID(), action: action}:
		o.journal.RecordCommand(e.machine.ID(), action.String())
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for %s", ErrQueueFull, action, ref)
	}
}

// lookup finds an entry by connection id, falling back to the name.
func (o *Orchestrator) lookup(ref string) *entry {
	if e, ok := o.entries[ref]; ok {
		return e
	}
	for _, e := range o.entries {
		if e.machine.Conn().Name == ref {
			return e
		}
	}
	return nil
}

// Wake sends a magic packet to the device with the given id or name and
// marks its reachability stale so the next sweep re-probes it.
func (o *Orchestrator) Wake(ctx context.Context, ref string) error {
	device, ok := o.cfg.Device(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, ref)
	}
	if err := o.waker.Wake(ctx, device); err != nil {
		return err
	}
	o.col.RecordWake(device.Name)
	o.journal.RecordWake(device.ID, device.Name)
	o.tracker.MarkStale(device.ID)
	return nil
}

// LaunchRDP starts a remote desktop session to the target with the given
// id or name. A stored credential fills in the username and supplies the
// password over the client's stdin; it never appears in argv.
func (o *Orchestrator) LaunchRDP(ctx context.Context, ref string) error {
	target, ok := o.cfg.RDPTarget(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, ref)
	}

	password := ""
	if target.CredentialRef != "" {
		cred, err := credentials.GetCredential(o.creds, target.CredentialRef)
		switch {
		case errors.Is(err, credentials.ErrNotFound):
			o.logger.Warn("rdp credential not found, client will prompt",
				"target", target.Name,
				"credential_ref", target.CredentialRef)
		case err != nil:
			return fmt.Errorf("resolving rdp credential: %w", err)
		default:
			password = cred.Password
			if target.Username == "" {
				target.Username = cred.Username
			}
		}
	}

	if err := o.launcher.Launch(ctx, target, password); err != nil {
		return err
	}
	o.journal.RecordRDP(target.Name)
	return nil
}

// Snapshot is a point-in-time view of every connection and device.
type Snapshot struct {
	Connections []conn.Status `json:"connections"`
	Devices     []wol.Status  `json:"devices"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Snapshot reports every connection in configuration order plus the latest
// device reachability results.
func (o *Orchestrator) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{
		Connections: make([]conn.Status, 0, len(o.order)),
		Devices:     o.tracker.Statuses(),
		GeneratedAt: now,
	}
	for _, id := range o.order {
		snap.Connections = append(snap.Connections, o.entries[id].machine.Snapshot(now))
	}
	return snap
}

// Status reports one connection's status by id or name.
func (o *Orchestrator) Status(ref string) (conn.Status, error) {
	e := o.lookup(ref)
	if e == nil {
		return conn.Status{}, fmt.Errorf("%w: %s", ErrUnknownConnection, ref)
	}
	return e.machine.Snapshot(time.Now()), nil
}

// Devices returns the current device reachability statuses.
func (o *Orchestrator) Devices() []wol.Status {
	return o.tracker.Statuses()
}

// RDPTargets returns the configured remote desktop targets.
func (o *Orchestrator) RDPTargets() []config.RDPConfig {
	return o.cfg.RDP
}

// resolveCredentials loads the secret a connection references. A missing
// or unreadable credential is a configuration problem, not a transient
// failure.
func (o *Orchestrator) resolveCredentials(c backend.Connection) (*backend.Credentials, error) {
	if c.CredentialRef == "" {
		return nil, nil
	}
	if o.creds == nil {
		return nil, fmt.Errorf("%w: no credential store for credential_ref %q",
			backend.ErrConfigInvalid, c.CredentialRef)
	}
	cred, err := credentials.GetCredential(o.creds, c.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("%w: credential %q: %v",
			backend.ErrConfigInvalid, c.CredentialRef, err)
	}
	return &backend.Credentials{Username: cred.Username, Password: cred.Password}, nil
}
