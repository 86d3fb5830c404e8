// Package backend defines the contract between the connection orchestrator
// and the VPN technologies it drives. Each backend translates the generic
// connect/disconnect/probe operations into technology-specific process
// invocations and status queries.
package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rennerdo30/heimdall/internal/supervisor"
)

// Kind identifies a VPN technology.
type Kind string

const (
	KindOpenVPN   Kind = "openvpn"
	KindWireGuard Kind = "wireguard"
)

// ParseKind converts a string into a Kind. Short aliases are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openvpn", "ovpn":
		return KindOpenVPN, nil
	case "wireguard", "wg":
		return KindWireGuard, nil
	default:
		return "", fmt.Errorf("%w: unknown backend kind %q", ErrBackendInvalid, s)
	}
}

// KindFromPath infers the backend kind from a tunnel config file extension.
// Older configs did not carry an explicit kind, so .ovpn maps to OpenVPN and
// .conf to WireGuard.
func KindFromPath(path string) (Kind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ovpn":
		return KindOpenVPN, true
	case ".conf":
		return KindWireGuard, true
	default:
		return "", false
	}
}

// connectionNamePattern matches valid connection names: alphanumeric,
// hyphens, underscores.
var connectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_ -]*$`)

// reservedNames contains connection names that are reserved for internal use.
var reservedNames = map[string]bool{
	"all":  true,
	"none": true,
	"any":  true,
}

// ValidateName validates a connection name.
// Valid names contain only alphanumeric characters, spaces, hyphens, and
// underscores, and must start with an alphanumeric character. Reserved names
// are not allowed.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: connection name cannot be empty", ErrBackendInvalid)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: connection name %q exceeds 64 characters", ErrBackendInvalid, name)
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("%w: connection name %q is reserved", ErrBackendInvalid, name)
	}
	if !connectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: connection name %q must contain only alphanumeric characters, spaces, hyphens, and underscores, and must start with alphanumeric", ErrBackendInvalid, name)
	}
	return nil
}

// Connection is a configured VPN profile. It is immutable at runtime;
// edits replace the whole value.
type Connection struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Kind          Kind   `yaml:"kind" json:"kind"`
	ConfigPath    string `yaml:"config_path" json:"config_path"`
	CredentialRef string `yaml:"credential_ref,omitempty" json:"credential_ref,omitempty"`
	// Interface overrides the WireGuard interface name derived from the
	// config file stem.
	Interface   string `yaml:"interface,omitempty" json:"interface,omitempty"`
	AutoConnect bool   `yaml:"auto_connect" json:"auto_connect"`
	// AutoReconnect defaults to true when omitted.
	AutoReconnect *bool `yaml:"auto_reconnect,omitempty" json:"auto_reconnect,omitempty"`
}

// Reconnect reports whether the connection should be re-established
// automatically after losing its link.
func (c Connection) Reconnect() bool {
	if c.AutoReconnect == nil {
		return true
	}
	return *c.AutoReconnect
}

// Normalize fills derivable fields: a missing kind is inferred from the
// config file extension and a missing id falls back to the name.
func (c *Connection) Normalize() {
	if c.Kind == "" {
		if kind, ok := KindFromPath(c.ConfigPath); ok {
			c.Kind = kind
		}
	}
	if c.ID == "" {
		c.ID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(c.Name), " ", "-"))
	}
}

// Validate checks that the connection profile is well formed.
func (c Connection) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("%w: connection %q has no id", ErrBackendInvalid, c.Name)
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("%w: connection %q has no config_path", ErrBackendInvalid, c.Name)
	}
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return fmt.Errorf("connection %q: %w", c.Name, err)
	}
	return nil
}

// Credentials carries a username/password pair for backends that need one.
// Values are passed through short-lived channels only and must never be
// logged or persisted.
type Credentials struct {
	Username string
	Password string
}

// ObservedStatus is what a probe saw on the live system, independent of what
// the orchestrator believes should be true.
type ObservedStatus struct {
	// Up reports whether the tunnel link is established: management state
	// CONNECTED for OpenVPN, interface existence for WireGuard.
	Up bool
	// LocalIP and RemoteIP are best-effort tunnel endpoints.
	LocalIP  string
	RemoteIP string
	// RxBytes and TxBytes are cumulative transfer counters where the
	// backend exposes them.
	RxBytes int64
	TxBytes int64
	// LastHandshake is the most recent WireGuard handshake across peers.
	// Zero for backends without handshakes.
	LastHandshake time.Time
	// Message carries a short human-readable detail, e.g. a log marker.
	Message string
}

// HandshakeAge returns the time since the last handshake, or zero when no
// handshake has been observed.
func (s ObservedStatus) HandshakeAge(now time.Time) time.Duration {
	if s.LastHandshake.IsZero() {
		return 0
	}
	return now.Sub(s.LastHandshake)
}

// Adapter is implemented once per VPN technology.
//
// Connect and Disconnect perform the side effects; Probe must stay free of
// them. Connect returns a supervised process handle for backends with a
// long-running client process, or nil for backends where the kernel or a
// daemon owns the tunnel.
type Adapter interface {
	// Kind returns the backend kind.
	Kind() Kind

	// Available returns nil when the backend's binaries are installed.
	Available() error

	// Validate checks that the tunnel config file is usable.
	Validate(conn Connection) error

	// Connect establishes the tunnel. Credentials may be nil.
	Connect(ctx context.Context, conn Connection, creds *Credentials) (*supervisor.Handle, error)

	// Disconnect tears the tunnel down. It is safe to call when the
	// tunnel is already down.
	Disconnect(ctx context.Context, conn Connection) error

	// Probe reports the live status of the tunnel.
	Probe(ctx context.Context, conn Connection) (ObservedStatus, error)
}
