package openvpn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/supervisor"
)

const (
	// DefaultBinary is the OpenVPN client executable looked up in PATH.
	DefaultBinary = "openvpn"

	// defaultMgmtTimeout bounds a single management-interface exchange.
	defaultMgmtTimeout = 2 * time.Second

	// authFailedMarker appears in OpenVPN's log output when the server
	// rejects the credentials.
	authFailedMarker = "AUTH_FAILED"

	// initCompleteMarker is OpenVPN's log line once the tunnel is fully up.
	initCompleteMarker = "Initialization Sequence Completed"
)

// AdapterConfig holds construction options for the Adapter.
type AdapterConfig struct {
	// Supervisor owns the spawned OpenVPN processes. Required.
	Supervisor *supervisor.Supervisor

	// Binary overrides the OpenVPN executable. Defaults to DefaultBinary.
	Binary string

	// MgmtTimeout overrides the management exchange timeout.
	MgmtTimeout time.Duration

	Logger *slog.Logger
}

// Adapter connects, probes and disconnects OpenVPN tunnels.
type Adapter struct {
	sup         *supervisor.Supervisor
	binary      string
	mgmtTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-connection bookkeeping between Connect and Disconnect.
type session struct {
	mgmtAddr string
	authFile string
}

// New creates an OpenVPN adapter.
func New(cfg AdapterConfig) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.MgmtTimeout <= 0 {
		cfg.MgmtTimeout = defaultMgmtTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("openvpn")
	}
	return &Adapter{
		sup:         cfg.Supervisor,
		binary:      cfg.Binary,
		mgmtTimeout: cfg.MgmtTimeout,
		logger:      cfg.Logger,
		sessions:    make(map[string]*session),
	}
}

// Kind returns the backend kind.
func (a *Adapter) Kind() backend.Kind {
	return backend.KindOpenVPN
}

// Available checks that the OpenVPN binary is installed.
func (a *Adapter) Available() error {
	if _, err := exec.LookPath(a.binary); err != nil {
		return backend.NewBackendError(backend.KindOpenVPN, "available",
			fmt.Errorf("%w: %s not found in PATH", backend.ErrUnavailable, a.binary))
	}
	return nil
}

// Validate parses the tunnel config and checks it is usable for a client
// connection.
func (a *Adapter) Validate(conn backend.Connection) error {
	cfg, err := ParseConfigFile(conn.ConfigPath)
	if err != nil {
		return backend.NewBackendError(backend.KindOpenVPN, "validate",
			fmt.Errorf("%w: %v", backend.ErrConfigInvalid, err))
	}
	if err := cfg.Validate(); err != nil {
		return backend.NewBackendError(backend.KindOpenVPN, "validate",
			fmt.Errorf("%w: %v", backend.ErrConfigInvalid, err))
	}
	return nil
}

// Connect spawns the OpenVPN client for conn. Credentials, when given, are
// written to a 0600 temp file passed via --auth-user-pass; they never
// appear in argv or logs. The file lives until Disconnect so OpenVPN can
// re-read it on renegotiation.
func (a *Adapter) Connect(ctx context.Context, conn backend.Connection, creds *backend.Credentials) (*supervisor.Handle, error) {
	cfg, err := ParseConfigFile(conn.ConfigPath)
	if err != nil {
		return nil, backend.NewBackendError(backend.KindOpenVPN, "connect",
			fmt.Errorf("%w: %v", backend.ErrConfigInvalid, err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old := a.sessions[conn.ID]; old != nil {
		if h, ok := a.sup.Get(conn.ID); ok && h.Alive() {
			return nil, backend.NewBackendError(backend.KindOpenVPN, "connect",
				fmt.Errorf("session for %s already active", conn.ID))
		}
		// Leftover from a crashed attempt.
		a.cleanupSessionLocked(conn.ID, old)
	}

	var authFile string
	switch {
	case creds != nil && (creds.Username != "" || creds.Password != ""):
		authFile, err = writeAuthFile(creds.Username, creds.Password)
		if err != nil {
			return nil, backend.NewBackendError(backend.KindOpenVPN, "connect", err)
		}
	case cfg.AuthRequired && cfg.AuthFile == "":
		return nil, backend.NewBackendError(backend.KindOpenVPN, "connect",
			fmt.Errorf("%w: config requires auth-user-pass but no credentials are available", backend.ErrConfigInvalid))
	}

	mgmtAddr, injectMgmt, err := a.managementAddr(cfg)
	if err != nil {
		removeAuthFile(authFile)
		return nil, backend.NewBackendError(backend.KindOpenVPN, "connect",
			fmt.Errorf("%w: reserve management port: %v", backend.ErrSpawnFailed, err))
	}

	args := buildArgs(conn.ConfigPath, mgmtAddr, injectMgmt, authFile)

	handle, err := a.sup.Start(ctx, conn.ID, a.binary, args...)
	if err != nil {
		removeAuthFile(authFile)
		return nil, backend.NewBackendError(backend.KindOpenVPN, "connect", spawnError(err, a.binary))
	}

	a.sessions[conn.ID] = &session{mgmtAddr: mgmtAddr, authFile: authFile}
	a.logger.Info("openvpn started",
		"connection_id", conn.ID,
		"pid", handle.PID(),
		"management", mgmtAddr,
		"remote", cfg.GetPrimaryRemote(),
	)
	return handle, nil
}

// Disconnect tears the tunnel down: management "signal SIGTERM" first, then
// the supervisor's SIGTERM-wait-SIGKILL escalation, then auth file removal.
func (a *Adapter) Disconnect(ctx context.Context, conn backend.Connection) error {
	a.mu.Lock()
	s := a.sessions[conn.ID]
	delete(a.sessions, conn.ID)
	a.mu.Unlock()

	if s != nil && s.mgmtAddr != "" {
		mc := &mgmtClient{addr: s.mgmtAddr, timeout: a.mgmtTimeout}
		if err := mc.SignalTerm(ctx); err != nil {
			a.logger.Debug("management shutdown signal failed", "connection_id", conn.ID, "error", err)
		}
	}

	err := a.sup.Stop(ctx, conn.ID)
	if s != nil {
		removeAuthFile(s.authFile)
	}
	if err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return backend.NewBackendError(backend.KindOpenVPN, "disconnect", err)
	}
	return nil
}

// Probe reports the live tunnel state via the management interface. A
// rejected authentication found in the process output is returned as an
// error; everything transient maps to Up=false with a message.
func (a *Adapter) Probe(ctx context.Context, conn backend.Connection) (backend.ObservedStatus, error) {
	a.mu.Lock()
	s := a.sessions[conn.ID]
	a.mu.Unlock()

	if s == nil {
		return backend.ObservedStatus{}, nil
	}

	h, ok := a.sup.Get(conn.ID)
	if !ok || !h.Alive() {
		return backend.ObservedStatus{Message: "process not running"}, nil
	}

	var initCompleted bool
	for _, line := range h.OutputTail() {
		if strings.Contains(line, authFailedMarker) {
			return backend.ObservedStatus{}, backend.NewBackendError(backend.KindOpenVPN, "probe",
				fmt.Errorf("%w: server rejected credentials", backend.ErrAuthFailed))
		}
		if strings.Contains(line, initCompleteMarker) {
			initCompleted = true
		}
	}

	mc := &mgmtClient{addr: s.mgmtAddr, timeout: a.mgmtTimeout}
	ms, err := mc.Status(ctx)
	if err != nil {
		// The management socket is not listening yet while OpenVPN boots,
		// or the client was built without it. The log marker still tells
		// us when the tunnel came up.
		if initCompleted {
			return backend.ObservedStatus{Up: true, Message: initCompleteMarker}, nil
		}
		return backend.ObservedStatus{Message: "management interface not ready"}, nil
	}

	return backend.ObservedStatus{
		Up:       ms.Established(),
		LocalIP:  ms.LocalIP,
		RemoteIP: ms.RemoteIP,
		RxBytes:  ms.RxBytes,
		TxBytes:  ms.TxBytes,
		Message:  ms.State,
	}, nil
}

// managementAddr picks the management endpoint: the config's own directive
// when present, otherwise a freshly reserved loopback port that gets
// injected via --management.
func (a *Adapter) managementAddr(cfg *Config) (addr string, inject bool, err error) {
	if cfg.Management.Port != 0 {
		host := cfg.Management.Address
		if host == "" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, strconv.Itoa(cfg.Management.Port)), false, nil
	}
	port, err := reserveLoopbackPort()
	if err != nil {
		return "", false, err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), true, nil
}

func buildArgs(configPath, mgmtAddr string, injectMgmt bool, authFile string) []string {
	args := []string{
		"--config", configPath,
		"--verb", "3",
	}
	if injectMgmt {
		host, port, _ := net.SplitHostPort(mgmtAddr)
		args = append(args, "--management", host, port)
	}
	if authFile != "" {
		args = append(args, "--auth-user-pass", authFile, "--auth-nocache")
	}
	return args
}

// reserveLoopbackPort grabs a free TCP port on 127.0.0.1 and releases it
// for OpenVPN to bind.
func reserveLoopbackPort() (int, error) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close() //nolint:errcheck // Nothing useful to do with a close error here
	return port, nil
}

// writeAuthFile writes username and password to a 0600 temp file in
// OpenVPN's auth-user-pass format.
func writeAuthFile(username, password string) (string, error) {
	f, err := os.CreateTemp("", "heimdall-ovpn-auth-*")
	if err != nil {
		return "", fmt.Errorf("create auth file: %w", err)
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod auth file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", username, password); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write auth file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close auth file: %w", err)
	}
	return f.Name(), nil
}

func removeAuthFile(path string) {
	if path != "" {
		_ = os.Remove(path) //nolint:errcheck // Best effort cleanup
	}
}

// cleanupSessionLocked drops the bookkeeping of a dead session. The caller
// holds a.mu.
func (a *Adapter) cleanupSessionLocked(id string, s *session) {
	removeAuthFile(s.authFile)
	delete(a.sessions, id)
	a.logger.Debug("cleaned up stale session", "connection_id", id)
}

// spawnError maps process start failures onto the backend error taxonomy.
func spawnError(err error, binary string) error {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: %s not found", backend.ErrUnavailable, binary)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: starting %s: %v", backend.ErrPermissionDenied, binary, err)
	default:
		return fmt.Errorf("%w: %v", backend.ErrSpawnFailed, err)
	}
}
