// Package service registers heimdall with the platform service manager and
// runs it under one: systemd units on Linux, launchd jobs on macOS and the
// SCM on Windows.
package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// Config describes the service registration.
type Config struct {
	Name        string // unit/job/service name; "heimdall" when empty
	Description string
	BinaryPath  string // resolved to an absolute path by New
	ConfigPath  string // resolved to an absolute path by New
	WorkingDir  string // defaults to the binary's directory
}

// Manager installs, removes and inspects the heimdall system service.
type Manager struct {
	cfg Config
}

// New fills Config defaults and resolves relative paths.
func New(cfg Config) (*Manager, error) {
	var err error
	if cfg.BinaryPath, err = absolute(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("resolve binary path: %w", err)
	}
	if cfg.ConfigPath, err = absolute(cfg.ConfigPath); err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = "heimdall"
	}
	if cfg.Description == "" {
		cfg.Description = "Heimdall VPN Connection Orchestrator"
	}
	return &Manager{cfg: cfg}, nil
}

func absolute(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(path)
}

// Platform names the service manager flavor in use.
func Platform() string {
	return runtime.GOOS
}

// Install registers the service. The binary and the config file must
// already exist.
func (m *Manager) Install() error {
	if _, err := os.Stat(m.cfg.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.cfg.BinaryPath)
	}
	if _, err := os.Stat(m.cfg.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", m.cfg.ConfigPath)
	}
	switch runtime.GOOS {
	case "linux":
		return m.installSystemd()
	case "darwin":
		return m.installLaunchd()
	case "windows":
		return m.installSCM()
	}
	return fmt.Errorf("no service manager support for %s", runtime.GOOS)
}

// Uninstall stops and removes the service registration.
func (m *Manager) Uninstall() error {
	switch runtime.GOOS {
	case "linux":
		return m.uninstallSystemd()
	case "darwin":
		return m.uninstallLaunchd()
	case "windows":
		return m.uninstallSCM()
	}
	return fmt.Errorf("no service manager support for %s", runtime.GOOS)
}

// Start asks the service manager to start the registered service.
func (m *Manager) Start() error {
	switch runtime.GOOS {
	case "linux":
		return invoke("systemctl", "start", m.cfg.Name)
	case "darwin":
		return invoke("launchctl", "start", m.cfg.Name)
	case "windows":
		return invoke("sc", "start", m.cfg.Name)
	}
	return fmt.Errorf("no service manager support for %s", runtime.GOOS)
}

// Stop asks the service manager to stop the registered service.
func (m *Manager) Stop() error {
	switch runtime.GOOS {
	case "linux":
		return invoke("systemctl", "stop", m.cfg.Name)
	case "darwin":
		return invoke("launchctl", "stop", m.cfg.Name)
	case "windows":
		return invoke("sc", "stop", m.cfg.Name)
	}
	return fmt.Errorf("no service manager support for %s", runtime.GOOS)
}

// Status reports whether the service is registered and running.
func (m *Manager) Status() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return m.statusSystemd()
	case "darwin":
		return m.statusLaunchd()
	case "windows":
		return m.statusSCM()
	}
	return "", fmt.Errorf("no service manager support for %s", runtime.GOOS)
}

// render fills the unit/job template with cfg.
func render(text string, cfg Config) ([]byte, error) {
	tmpl, err := template.New("service").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse service template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("render service template: %w", err)
	}
	return buf.Bytes(), nil
}

// invoke runs a service-manager command, folding its output into the error
// on failure.
func invoke(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// --- systemd ---

// Restart=on-failure keeps a clean exit (tray quit, systemctl stop) from
// being respawned.
const systemdUnit = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} --config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=5
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

func (m *Manager) systemdPath() string {
	return filepath.Join("/etc/systemd/system", m.cfg.Name+".service")
}

func (m *Manager) installSystemd() error {
	unit, err := render(systemdUnit, m.cfg)
	if err != nil {
		return err
	}

	path := m.systemdPath()
	if err := os.WriteFile(path, unit, 0o644); err != nil {
		return fmt.Errorf("write %s: %w (run with sudo)", path, err)
	}
	if err := invoke("systemctl", "daemon-reload"); err != nil {
		return err
	}
	if err := invoke("systemctl", "enable", m.cfg.Name); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("Start with: sudo systemctl start %s\n", m.cfg.Name)
	return nil
}

func (m *Manager) uninstallSystemd() error {
	// Best effort; the unit may not be running or enabled.
	_ = invoke("systemctl", "stop", m.cfg.Name)
	_ = invoke("systemctl", "disable", m.cfg.Name)

	if err := os.Remove(m.systemdPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit: %w", err)
	}
	_ = invoke("systemctl", "daemon-reload")

	fmt.Printf("Service uninstalled: %s\n", m.cfg.Name)
	return nil
}

func (m *Manager) statusSystemd() (string, error) {
	if _, err := os.Stat(m.systemdPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	out, err := exec.Command("systemctl", "is-active", m.cfg.Name).Output()
	if err != nil {
		// is-active exits nonzero for every state but "active".
		return "installed (inactive)", nil
	}
	return fmt.Sprintf("installed (%s)", strings.TrimSpace(string(out))), nil
}

// --- launchd ---

// SuccessfulExit=false mirrors Restart=on-failure: respawn crashes only.
const launchdJob = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Name}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.BinaryPath}}</string>
		<string>--config</string>
		<string>{{.ConfigPath}}</string>
	</array>
	<key>WorkingDirectory</key>
	<string>{{.WorkingDir}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardOutPath</key>
	<string>/tmp/{{.Name}}.log</string>
	<key>StandardErrorPath</key>
	<string>/tmp/{{.Name}}.error.log</string>
</dict>
</plist>
`

// launchdPath places the job per user; root installs it system wide.
func (m *Manager) launchdPath() string {
	if os.Geteuid() == 0 {
		return filepath.Join("/Library/LaunchDaemons", m.cfg.Name+".plist")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", m.cfg.Name+".plist")
}

func (m *Manager) installLaunchd() error {
	job, err := render(launchdJob, m.cfg)
	if err != nil {
		return err
	}

	path := m.launchdPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, job, 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if err := invoke("launchctl", "load", path); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", path)
	fmt.Println("Service is now running.")
	return nil
}

func (m *Manager) uninstallLaunchd() error {
	path := m.launchdPath()
	_ = invoke("launchctl", "unload", path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}

	fmt.Printf("Service uninstalled: %s\n", m.cfg.Name)
	return nil
}

func (m *Manager) statusLaunchd() (string, error) {
	if _, err := os.Stat(m.launchdPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	if err := exec.Command("launchctl", "list", m.cfg.Name).Run(); err != nil {
		return "installed (not running)", nil
	}
	return "installed (running)", nil
}

// --- Windows SCM ---

func (m *Manager) installSCM() error {
	binPath := fmt.Sprintf(`"%s" --config "%s"`, m.cfg.BinaryPath, m.cfg.ConfigPath)
	if err := invoke("sc", "create", m.cfg.Name,
		"binPath=", binPath,
		"DisplayName=", m.cfg.Description,
		"start=", "auto"); err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	_ = invoke("sc", "description", m.cfg.Name, m.cfg.Description)

	fmt.Printf("Service installed: %s\n", m.cfg.Name)
	fmt.Printf("Start with: sc start %s\n", m.cfg.Name)
	return nil
}

func (m *Manager) uninstallSCM() error {
	_ = invoke("sc", "stop", m.cfg.Name)
	if err := invoke("sc", "delete", m.cfg.Name); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}

	fmt.Printf("Service uninstalled: %s\n", m.cfg.Name)
	return nil
}

func (m *Manager) statusSCM() (string, error) {
	out, err := exec.Command("sc", "query", m.cfg.Name).Output()
	if err != nil {
		return "not installed", nil
	}
	switch {
	case strings.Contains(string(out), "RUNNING"):
		return "installed (running)", nil
	case strings.Contains(string(out), "STOPPED"):
		return "installed (stopped)", nil
	}
	return "installed", nil
}
