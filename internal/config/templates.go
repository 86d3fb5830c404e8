package config

// DefaultConfigTemplate is the fully commented default configuration
// written by `heimdall config init`.
const DefaultConfigTemplate = `# Heimdall Configuration
# This file configures the Heimdall VPN orchestrator daemon.

# Connect flagged profiles automatically when the daemon starts.
auto_connect: true

# VPN connection profiles
# Each profile points at a tunnel config file on disk. The kind is
# inferred from the file extension (.ovpn or .conf) when omitted.
connections: []
  # - name: "Office"
  #   kind: openvpn                          # openvpn or wireguard
  #   config_path: "/etc/heimdall/office.ovpn"
  #   credential_ref: "office"               # credential store entry (optional)
  #   auto_connect: true                     # connect on daemon startup
  #   auto_reconnect: true                   # re-establish after failures
  #
  # - name: "Homelab"
  #   kind: wireguard
  #   config_path: "/etc/heimdall/wg-home.conf"
  #   interface: "wg-home"                   # override the config file stem

# Remote devices (Wake-on-LAN)
# Devices can be woken with magic packets and are probed for
# reachability on the monitor loop.
devices: []
  # - name: "workstation"
  #   mac: "aa:bb:cc:dd:ee:ff"
  #   host: "192.168.1.50"                   # for direct packets and probes
  #   broadcast: "192.168.1.255"             # default: 255.255.255.255
  #   port: 9                                # WOL UDP port
  #   check:
  #     type: ping                           # ping, tcp, http or dns
  #     timeout: "5s"

# Remote desktop targets
# Passwords are never stored here; credential_ref points at the
# credential store.
rdp: []
  # - name: "workstation"
  #   host: "192.168.1.50"
  #   port: 3389
  #   username: "admin"
  #   credential_ref: "workstation-rdp"
  #   fullscreen: false

# Monitor loop tuning
# How often tunnels are probed and how reconnects back off.
monitor:
  tick_interval: "2s"         # Poll loop period
  probe_timeout: "10s"        # Per-probe deadline
  connect_timeout: "30s"      # Time allowed to reach connected
  disconnect_grace: "5s"      # Grace before a client process is killed
  failure_threshold: 3        # Missed probes before a tunnel counts as down
  max_concurrent_probes: 8    # Probe parallelism across connections
  backoff:
    initial: "2s"             # Delay before the first reconnect attempt
    max: "60s"                # Cap on the reconnect delay
    multiplier: 2.0           # Delay growth per failed attempt
    max_retries: 5            # Reconnect attempts before giving up
  device_sweep_every: 5       # Probe devices every Nth tick
  device_stale_after: "30s"   # Device reachability considered stale after

# Local control API
# Used by heimdall ctl, the system tray and UI frontends.
api:
  enabled: true
  listen: "127.0.0.1:7591"    # Loopback only; widen with care
  # token: "your-api-token"   # Bearer token (optional)

# Prometheus metrics, served on the API listener.
metrics:
  enabled: true
  path: "/metrics"

# Credential store
# Secrets live in the OS keyring; the encrypted file is the fallback
# when no keyring backend is available.
credentials:
  service: "heimdall"         # Keyring service name
  # file: "~/.config/heimdall/credentials.enc"

# Application logging
logging:
  level: info                 # Log level (debug, info, warn, error)
  format: text                # Log format (text or json)
  output: stdout              # Output destination (stdout, stderr, file)

# System tray
tray:
  enabled: true               # Show system tray icon
  show_notifications: true    # Desktop notifications for connection events

# Display preferences persisted for UI frontends.
ui:
  dark_mode: false

# Auto-update
auto_update:
  enabled: false              # Enable automatic updates
  check_interval: "24h"       # How often to check for updates
  channel: "stable"           # Update channel (stable, prerelease)
`
