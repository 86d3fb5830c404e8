package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/logging"
)

// Config is the root configuration for the Heimdall daemon.
type Config struct {
	// AutoConnect is the master switch for connecting flagged profiles on
	// startup. Individual connections still opt in with their own
	// auto_connect flag.
	AutoConnect bool `yaml:"auto_connect" json:"auto_connect"`

	Connections []backend.Connection `yaml:"connections" json:"connections"`
	Devices     []DeviceConfig       `yaml:"devices" json:"devices"`
	RDP         []RDPConfig          `yaml:"rdp" json:"rdp"`

	Monitor     MonitorConfig     `yaml:"monitor" json:"monitor"`
	API         APIConfig         `yaml:"api" json:"api"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	Logging     logging.Config    `yaml:"logging" json:"logging"`
	Tray        TrayConfig        `yaml:"tray" json:"tray"`
	UI          UIConfig          `yaml:"ui" json:"ui"`
	AutoUpdate  AutoUpdateConfig  `yaml:"auto_update" json:"auto_update"`
}

// DeviceConfig describes a remote machine that can be woken over the LAN
// and watched for reachability.
type DeviceConfig struct {
	ID   string `yaml:"id,omitempty" json:"id"`
	Name string `yaml:"name" json:"name"`
	MAC  string `yaml:"mac" json:"mac"`
	// Host is an IP or hostname used for direct magic packets and for
	// reachability probes.
	Host      string       `yaml:"host,omitempty" json:"host,omitempty"`
	Broadcast string       `yaml:"broadcast,omitempty" json:"broadcast,omitempty"`
	Port      int          `yaml:"port,omitempty" json:"port,omitempty"`
	Check     *CheckConfig `yaml:"check,omitempty" json:"check,omitempty"`
}

// Normalize fills derivable fields with stable defaults.
func (d *DeviceConfig) Normalize() {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
}

// Validate checks that the device entry is well formed.
func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if _, err := net.ParseMAC(d.MAC); err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", d.MAC, err)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", d.Port)
	}
	if d.Broadcast != "" && net.ParseIP(d.Broadcast) == nil {
		return fmt.Errorf("invalid broadcast address: %s", d.Broadcast)
	}
	if d.Check != nil {
		if err := d.Check.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CheckConfig tunes the reachability probe for a device. The zero value
// means a ping against the device host.
type CheckConfig struct {
	Type    string   `yaml:"type,omitempty" json:"type,omitempty"`       // ping, tcp, http, dns
	Target  string   `yaml:"target,omitempty" json:"target,omitempty"`   // defaults to the device host
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Path    string   `yaml:"path,omitempty" json:"path,omitempty"`       // for HTTP checks
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`       // for DNS checks: name to resolve
}

// Validate checks the probe settings.
func (c *CheckConfig) Validate() error {
	switch c.Type {
	case "", "ping", "tcp", "http", "dns":
	default:
		return fmt.Errorf("unknown check type: %s", c.Type)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("check timeout must be non-negative")
	}
	return nil
}

// RDPConfig describes a remote desktop target. Passwords are never stored
// here; CredentialRef points into the credential store.
type RDPConfig struct {
	ID            string `yaml:"id,omitempty" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Host          string `yaml:"host" json:"host"`
	Port          int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Domain        string `yaml:"domain,omitempty" json:"domain,omitempty"`
	CredentialRef string `yaml:"credential_ref,omitempty" json:"credential_ref,omitempty"`
	Fullscreen    bool   `yaml:"fullscreen,omitempty" json:"fullscreen,omitempty"`
}

// Normalize fills derivable fields with stable defaults.
func (r *RDPConfig) Normalize() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Port == 0 {
		r.Port = 3389
	}
}

// Validate checks that the RDP target is well formed.
func (r *RDPConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rdp target name is required")
	}
	if r.Host == "" {
		return fmt.Errorf("rdp target host is required")
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", r.Port)
	}
	return nil
}

// MonitorConfig tunes the orchestrator poll loop and reconnect behavior.
type MonitorConfig struct {
	TickInterval        Duration `yaml:"tick_interval" json:"tick_interval"`
	ProbeTimeout        Duration `yaml:"probe_timeout" json:"probe_timeout"`
	ConnectTimeout      Duration `yaml:"connect_timeout" json:"connect_timeout"`
	DisconnectGrace     Duration `yaml:"disconnect_grace" json:"disconnect_grace"`
	FailureThreshold    int      `yaml:"failure_threshold" json:"failure_threshold"`
	MaxConcurrentProbes int      `yaml:"max_concurrent_probes" json:"max_concurrent_probes"`

	Backoff BackoffConfig `yaml:"backoff" json:"backoff"`

	// Device reachability runs on the same loop but only every Nth tick.
	DeviceSweepEvery int      `yaml:"device_sweep_every" json:"device_sweep_every"`
	DeviceStaleAfter Duration `yaml:"device_stale_after" json:"device_stale_after"`
}

// BackoffConfig shapes the reconnect delay curve.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial" json:"initial"`
	Max        Duration `yaml:"max" json:"max"`
	Multiplier float64  `yaml:"multiplier" json:"multiplier"`
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
}

// Settings converts the monitor tuning into state machine settings.
// Unset values fall back to the machine defaults.
func (m MonitorConfig) Settings() conn.Settings {
	return conn.Settings{
		ConnectTimeout:   m.ConnectTimeout.Duration(),
		BackoffInitial:   m.Backoff.Initial.Duration(),
		BackoffMax:       m.Backoff.Max.Duration(),
		BackoffFactor:    m.Backoff.Multiplier,
		MaxRetries:       m.Backoff.MaxRetries,
		FailureThreshold: m.FailureThreshold,
	}
}

// APIConfig contains local REST API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
}

// MetricsConfig contains Prometheus metrics settings. Metrics are served
// on the API listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// CredentialsConfig selects where secrets live. The OS keyring is the
// primary store; the encrypted file is the fallback when no keyring
// backend is available.
type CredentialsConfig struct {
	Service string `yaml:"service" json:"service"`
	File    string `yaml:"file,omitempty" json:"file,omitempty"`
}

// TrayConfig contains system tray settings.
type TrayConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	ShowNotifications bool `yaml:"show_notifications" json:"show_notifications"`
}

// UIConfig holds display preferences persisted on behalf of UI frontends.
type UIConfig struct {
	DarkMode bool `yaml:"dark_mode" json:"dark_mode"`
}

// AutoUpdateConfig contains auto-update settings.
type AutoUpdateConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CheckInterval Duration `yaml:"check_interval" json:"check_interval"`
	Channel       string   `yaml:"channel" json:"channel"` // stable, prerelease
}

// DefaultConfig returns a daemon configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoConnect: true,
		Monitor: MonitorConfig{
			TickInterval:        Duration(2 * time.Second),
			ProbeTimeout:        Duration(10 * time.Second),
			ConnectTimeout:      Duration(30 * time.Second),
			DisconnectGrace:     Duration(5 * time.Second),
			FailureThreshold:    3,
			MaxConcurrentProbes: 8,
			Backoff: BackoffConfig{
				Initial:    Duration(2 * time.Second),
				Max:        Duration(60 * time.Second),
				Multiplier: 2.0,
				MaxRetries: 5,
			},
			DeviceSweepEvery: 5,
			DeviceStaleAfter: Duration(30 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7591",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Credentials: CredentialsConfig{
			Service: "heimdall",
		},
		Logging: logging.DefaultConfig(),
		Tray: TrayConfig{
			Enabled:           true,
			ShowNotifications: true,
		},
		AutoUpdate: AutoUpdateConfig{
			Enabled:       false,
			CheckInterval: Duration(24 * time.Hour),
			Channel:       "stable",
		},
	}
}

// Validate checks the settings that must be right for the daemon to start.
// Per-entry problems in connections, devices and RDP targets are not fatal;
// Sanitize handles those.
func (c *Config) Validate() error {
	if c.API.Enabled {
		if c.API.Listen == "" {
			return fmt.Errorf("api listen address is required when the api is enabled")
		}
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return fmt.Errorf("api listen address must be in host:port format: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if !c.API.Enabled {
			return fmt.Errorf("metrics are served on the api listener; enable the api or disable metrics")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with /, got: %s", c.Metrics.Path)
		}
	}

	if c.Monitor.TickInterval < 0 || c.Monitor.ProbeTimeout < 0 ||
		c.Monitor.ConnectTimeout < 0 || c.Monitor.DisconnectGrace < 0 ||
		c.Monitor.DeviceStaleAfter < 0 {
		return fmt.Errorf("monitor intervals must be non-negative")
	}
	if c.Monitor.Backoff.Initial < 0 || c.Monitor.Backoff.Max < 0 {
		return fmt.Errorf("backoff delays must be non-negative")
	}
	if c.Monitor.Backoff.Multiplier < 0 {
		return fmt.Errorf("backoff multiplier must be non-negative")
	}

	switch c.AutoUpdate.Channel {
	case "", "stable", "prerelease":
	default:
		return fmt.Errorf("auto-update channel must be stable or prerelease, got: %s", c.AutoUpdate.Channel)
	}

	return nil
}

// Sanitize drops malformed connection, device and RDP entries so one bad
// block cannot keep the daemon from starting. It returns one error per
// dropped entry for the caller to log.
func (c *Config) Sanitize() []error {
	var dropped []error

	seenConn := make(map[string]bool)
	conns := c.Connections[:0]
	for _, cc := range c.Connections {
		cc.Normalize()
		if err := cc.Validate(); err != nil {
			dropped = append(dropped, fmt.Errorf("connection %s: %w", entryLabel(cc.Name, cc.ID), err))
			continue
		}
		if seenConn[cc.ID] {
			dropped = append(dropped, fmt.Errorf("connection %s: duplicate id %q", entryLabel(cc.Name, cc.ID), cc.ID))
			continue
		}
		seenConn[cc.ID] = true
		conns = append(conns, cc)
	}
	c.Connections = conns

	seenDev := make(map[string]bool)
	devices := c.Devices[:0]
	for _, d := range c.Devices {
		d.Normalize()
		if err := d.Validate(); err != nil {
			dropped = append(dropped, fmt.Errorf("device %s: %w", entryLabel(d.Name, d.ID), err))
			continue
		}
		if seenDev[d.ID] {
			dropped = append(dropped, fmt.Errorf("device %s: duplicate id %q", entryLabel(d.Name, d.ID), d.ID))
			continue
		}
		seenDev[d.ID] = true
		devices = append(devices, d)
	}
	c.Devices = devices

	seenRDP := make(map[string]bool)
	targets := c.RDP[:0]
	for _, r := range c.RDP {
		r.Normalize()
		if err := r.Validate(); err != nil {
			dropped = append(dropped, fmt.Errorf("rdp target %s: %w", entryLabel(r.Name, r.ID), err))
			continue
		}
		if seenRDP[r.ID] {
			dropped = append(dropped, fmt.Errorf("rdp target %s: duplicate id %q", entryLabel(r.Name, r.ID), r.ID))
			continue
		}
		seenRDP[r.ID] = true
		targets = append(targets, r)
	}
	c.RDP = targets

	return dropped
}

// Connection returns the connection profile with the given id or name.
func (c *Config) Connection(ref string) (backend.Connection, bool) {
	for _, cc := range c.Connections {
		if cc.ID == ref || cc.Name == ref {
			return cc, true
		}
	}
	return backend.Connection{}, false
}

// Device returns the device entry with the given id or name.
func (c *Config) Device(ref string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == ref || d.Name == ref {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// RDPTarget returns the RDP entry with the given id or name.
func (c *Config) RDPTarget(ref string) (RDPConfig, bool) {
	for _, r := range c.RDP {
		if r.ID == ref || r.Name == ref {
			return r, true
		}
	}
	return RDPConfig{}, false
}

func entryLabel(name, id string) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	if id != "" {
		return fmt.Sprintf("%q", id)
	}
	return "(unnamed)"
}
