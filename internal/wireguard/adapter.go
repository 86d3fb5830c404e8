package wireguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/supervisor"
)

const (
	// DefaultBinary is the wg-quick executable resolved from PATH.
	DefaultBinary = "wg-quick"

	// staleHandshakeDefault is the handshake age beyond which a peer is
	// reported as silent when it has no persistent keepalive configured.
	staleHandshakeDefault = 3 * time.Minute

	// staleHandshakeFactor scales a peer's keepalive interval into a
	// staleness threshold. Three missed keepalives means the path is gone.
	staleHandshakeFactor = 3
)

// AdapterConfig configures a WireGuard Adapter.
type AdapterConfig struct {
	// Binary is the wg-quick executable. Defaults to DefaultBinary.
	Binary string
	// Logger defaults to a component-scoped logger.
	Logger *slog.Logger
}

// Adapter drives WireGuard tunnels through wg-quick. Tunnel state lives in
// the kernel, so Connect returns no process handle and Probe inspects the
// interface and the device's peers instead of a child process.
type Adapter struct {
	binary string
	logger *slog.Logger

	mu   sync.Mutex
	ctrl *wgctrl.Client
}

// New creates a WireGuard adapter.
func New(cfg AdapterConfig) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("wireguard")
	}
	return &Adapter{
		binary: cfg.Binary,
		logger: cfg.Logger,
	}
}

// Kind returns the backend kind.
func (a *Adapter) Kind() backend.Kind {
	return backend.KindWireGuard
}

// Available checks that wg-quick is installed.
func (a *Adapter) Available() error {
	if _, err := exec.LookPath(a.binary); err != nil {
		return backend.NewBackendError(backend.KindWireGuard, "available",
			fmt.Errorf("%w: %s not found in PATH", backend.ErrUnavailable, a.binary))
	}
	return nil
}

// Validate parses the tunnel config and checks the derived interface name.
func (a *Adapter) Validate(conn backend.Connection) error {
	cfg, err := ParseFile(conn.ConfigPath)
	if err != nil {
		return backend.NewBackendError(backend.KindWireGuard, "validate",
			fmt.Errorf("%w: %v", backend.ErrConfigInvalid, err))
	}
	if err := cfg.Validate(); err != nil {
		return backend.NewBackendError(backend.KindWireGuard, "validate",
			fmt.Errorf("%w: %v", backend.ErrConfigInvalid, err))
	}
	name := InterfaceName(conn.ConfigPath, conn.Interface)
	if err := ValidateInterfaceName(name); err != nil {
		return backend.NewBackendError(backend.KindWireGuard, "validate",
			fmt.Errorf("%w: %v", backend.ErrConfigInvalid, err))
	}
	return nil
}

// Connect brings the tunnel up with wg-quick. WireGuard authenticates with
// the keys in the config file, so creds are ignored. The returned handle is
// always nil: wg-quick exits once the interface is configured.
func (a *Adapter) Connect(ctx context.Context, conn backend.Connection, _ *backend.Credentials) (*supervisor.Handle, error) {
	name := InterfaceName(conn.ConfigPath, conn.Interface)
	out, err := a.runWGQuick(ctx, "up", conn.ConfigPath)
	if err != nil {
		// A leftover interface from a previous run is not a failure; the
		// tunnel is already where we want it.
		if strings.Contains(out, "already exists") {
			a.logger.Info("wireguard interface already up",
				"connection_id", conn.ID,
				"interface", name)
			return nil, nil
		}
		return nil, backend.NewBackendError(backend.KindWireGuard, "connect", a.classifyRunError(out, err))
	}

	a.logger.Info("wireguard tunnel up",
		"connection_id", conn.ID,
		"interface", name,
		"config", conn.ConfigPath)
	return nil, nil
}

// Disconnect tears the tunnel down with wg-quick. A missing interface means
// the tunnel is already down, which is success.
func (a *Adapter) Disconnect(ctx context.Context, conn backend.Connection) error {
	name := InterfaceName(conn.ConfigPath, conn.Interface)
	if exists, err := interfaceExists(name); err == nil && !exists {
		return nil
	}

	out, err := a.runWGQuick(ctx, "down", conn.ConfigPath)
	if err != nil {
		if strings.Contains(out, "is not a WireGuard interface") ||
			strings.Contains(out, "does not exist") {
			return nil
		}
		return backend.NewBackendError(backend.KindWireGuard, "disconnect", a.classifyRunError(out, err))
	}

	a.logger.Info("wireguard tunnel down",
		"connection_id", conn.ID,
		"interface", name)
	return nil
}

// Probe reports interface presence and, when the control plane is reachable,
// per-peer traffic counters and handshake recency. Interface existence alone
// decides Up; a stale handshake only annotates the status message so the
// poller's failure threshold can act on byte counters staying flat.
func (a *Adapter) Probe(ctx context.Context, conn backend.Connection) (backend.ObservedStatus, error) {
	name := InterfaceName(conn.ConfigPath, conn.Interface)

	exists, err := interfaceExists(name)
	if err != nil {
		return backend.ObservedStatus{}, backend.NewBackendError(backend.KindWireGuard, "probe", err)
	}
	if !exists {
		return backend.ObservedStatus{Message: "interface not present"}, nil
	}

	st := backend.ObservedStatus{Up: true}
	if addrs := interfaceAddrs(name); len(addrs) > 0 {
		st.LocalIP = stripCIDR(addrs[0])
	}

	dev, err := a.device(name)
	if err != nil {
		// The interface exists, so the tunnel is up even if the control
		// plane query failed (typically a permissions issue).
		a.logger.Debug("wireguard device query failed",
			"interface", name,
			"error", err)
		return st, nil
	}
	applyDeviceStats(dev, time.Now(), &st)
	return st, nil
}

// device returns the control plane view of the named interface, creating the
// wgctrl client on first use.
func (a *Adapter) device(name string) (*wgtypes.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrl == nil {
		client, err := wgctrl.New()
		if err != nil {
			return nil, fmt.Errorf("open wgctrl client: %w", err)
		}
		a.ctrl = client
	}
	return a.ctrl.Device(name)
}

// Close releases the wgctrl client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrl == nil {
		return nil
	}
	err := a.ctrl.Close()
	a.ctrl = nil
	return err
}

// runWGQuick executes wg-quick with the given arguments and returns its
// combined output.
func (a *Adapter) runWGQuick(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// classifyRunError maps a failed wg-quick invocation onto the backend error
// taxonomy.
func (a *Adapter) classifyRunError(out string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: %s not found in PATH", backend.ErrUnavailable, a.binary)
	case errors.Is(err, os.ErrPermission),
		strings.Contains(out, "Operation not permitted"),
		strings.Contains(out, "Permission denied"),
		strings.Contains(out, "must be run as root"):
		return fmt.Errorf("%w: %s", backend.ErrPermissionDenied, firstLine(out, err))
	default:
		return fmt.Errorf("%w: %s", backend.ErrSpawnFailed, firstLine(out, err))
	}
}

// applyDeviceStats folds the device's peers into the observed status:
// counters are summed, the freshest handshake wins, and the first peer with
// an endpoint names the remote.
func applyDeviceStats(dev *wgtypes.Device, now time.Time, st *backend.ObservedStatus) {
	var stale []string
	for _, peer := range dev.Peers {
		st.RxBytes += peer.ReceiveBytes
		st.TxBytes += peer.TransmitBytes
		if peer.LastHandshakeTime.After(st.LastHandshake) {
			st.LastHandshake = peer.LastHandshakeTime
		}
		if st.RemoteIP == "" && peer.Endpoint != nil {
			st.RemoteIP = peer.Endpoint.IP.String()
		}
		if peerHandshakeStale(peer, now) {
			stale = append(stale, shortKey(peer.PublicKey))
		}
	}
	if len(stale) > 0 {
		st.Message = fmt.Sprintf("no recent handshake from %s", strings.Join(stale, ", "))
	}
}

// peerHandshakeStale reports whether the peer has been silent past its
// staleness threshold. Peers that never completed a handshake are not
// flagged; the connect timeout covers those.
func peerHandshakeStale(peer wgtypes.Peer, now time.Time) bool {
	if peer.LastHandshakeTime.IsZero() {
		return false
	}
	threshold := staleHandshakeDefault
	if peer.PersistentKeepaliveInterval > 0 {
		threshold = staleHandshakeFactor * peer.PersistentKeepaliveInterval
	}
	return now.Sub(peer.LastHandshakeTime) > threshold
}

// shortKey abbreviates a peer public key for log and status messages.
func shortKey(key wgtypes.Key) string {
	s := key.String()
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}

// stripCIDR drops the prefix length from an address like 10.8.0.2/24.
func stripCIDR(addr string) string {
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		return ip.String()
	}
	return addr
}

// firstLine picks the most useful diagnostic from a failed command: its
// first line of output, or the exec error when it printed nothing.
func firstLine(out string, err error) string {
	if out != "" {
		if idx := strings.IndexByte(out, '\n'); idx != -1 {
			return out[:idx]
		}
		return out
	}
	return err.Error()
}
