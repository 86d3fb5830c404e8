// Package daemon assembles the orchestrator and its surfaces (control API,
// metrics, system tray, self-updater) into the long-running heimdall
// process.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/api"
	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/credentials"
	"github.com/rennerdo30/heimdall/internal/installer"
	"github.com/rennerdo30/heimdall/internal/journal"
	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/metrics"
	"github.com/rennerdo30/heimdall/internal/openvpn"
	"github.com/rennerdo30/heimdall/internal/orchestrator"
	"github.com/rennerdo30/heimdall/internal/supervisor"
	"github.com/rennerdo30/heimdall/internal/tray"
	"github.com/rennerdo30/heimdall/internal/updater"
	"github.com/rennerdo30/heimdall/internal/wireguard"
)

// updatableKeys are the config sections PUT /api/v1/config may touch.
// Connections, credentials and the API surface itself stay file-edit only.
var updatableKeys = map[string]bool{
	"auto_connect": true,
	"ui":           true,
	"tray":         true,
	"auto_update":  true,
	"logging":      true,
}

// Daemon is the long-running heimdall process.
type Daemon struct {
	config     *config.Config
	configPath string

	orch      *orchestrator.Orchestrator
	metrics   *metrics.Metrics
	collector *metrics.Collector
	journal   *journal.Journal
	apiServer *http.Server
	tray      *tray.Tray
	updater   *updater.Updater

	// quit is closed when the tray asks for shutdown; the service runner
	// watches it alongside OS signals.
	quit     chan struct{}
	quitOnce sync.Once

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// New creates a daemon from the given configuration. configPath is kept for
// config reload and for persisting settings changed through the API.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	// Setup logging first
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		quit:       make(chan struct{}),
	}

	sup := supervisor.New(cfg.Monitor.DisconnectGrace.Duration(), logging.WithComponent("supervisor"))

	registry := backend.NewRegistry()
	if err := registry.Register(openvpn.New(openvpn.AdapterConfig{Supervisor: sup})); err != nil {
		return nil, fmt.Errorf("register openvpn: %w", err)
	}
	if err := registry.Register(wireguard.New(wireguard.AdapterConfig{})); err != nil {
		return nil, fmt.Errorf("register wireguard: %w", err)
	}

	store, err := credentials.Open(credentials.Options{
		Service: cfg.Credentials.Service,
		File:    cfg.Credentials.File,
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
		d.collector = metrics.NewCollector(d.metrics)
	}
	d.journal = journal.New(0)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Registry:    registry,
		Supervisor:  sup,
		Credentials: store,
		Installer:   installer.New(),
		Collector:   d.collector,
		Journal:     d.journal,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	d.orch = orch

	if cfg.AutoUpdate.Enabled {
		ucfg := updater.DefaultConfig()
		ucfg.Enabled = true
		ucfg.CheckInterval = cfg.AutoUpdate.CheckInterval.Duration()
		if cfg.AutoUpdate.Channel != "" {
			ucfg.Channel = updater.Channel(cfg.AutoUpdate.Channel)
		}
		u, err := updater.New(ucfg, logNotifier{})
		if err != nil {
			// A broken state file should not keep the daemon down.
			logging.Warn("Auto-update disabled", "error", err)
		} else {
			d.updater = u
		}
	}

	if cfg.Tray.Enabled {
		d.tray = tray.New(d.trayConfig())
		orch.SetChangeHook(func() {
			snap := d.orch.Snapshot()
			d.tray.Update(snap.Connections, snap.Devices)
		})
	}

	return d, nil
}

// Orchestrator exposes the connection orchestrator, mainly for tests and
// embedding frontends.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Start starts the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	logging.Info("Starting Heimdall daemon")

	if d.collector != nil {
		d.collector.Start()
	}

	if err := d.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// Start API server
	if d.config.API.Enabled {
		var metricsHandler http.Handler
		if d.metrics != nil {
			metricsHandler = d.metrics.Handler()
		}

		srv := api.New(api.Config{
			Daemon:        d.orch,
			Token:         d.config.API.Token,
			Metrics:       metricsHandler,
			Journal:       d.journal,
			ConfigGetter:  d.sanitizedConfig,
			ConfigUpdater: d.updateConfigFile,
		})

		d.apiServer = &http.Server{
			Addr:    d.config.API.Listen,
			Handler: srv.Handler(),
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			logging.Info("API server listening", "address", d.config.API.Listen)
			if err := d.apiServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("API server error", "error", err)
			}
		}()
	} else if d.config.Metrics.Enabled {
		logging.Warn("Metrics enabled but API disabled, /metrics is not reachable")
	}

	if d.updater != nil {
		d.updater.StartBackgroundChecker(ctx)
	}

	// Run the tray on its own goroutine; it blocks until quit.
	if d.tray != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.tray.Run(ctx)
		}()
	}

	logging.Info("Heimdall daemon started")
	return nil
}

// Stop stops the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	logging.Info("Stopping Heimdall daemon")

	if d.tray != nil {
		d.tray.Quit()
	}

	if d.apiServer != nil {
		d.apiServer.Shutdown(ctx)
	}

	if d.updater != nil {
		d.updater.StopBackgroundChecker()
	}

	// Tears down every running tunnel.
	if err := d.orch.Stop(ctx); err != nil {
		logging.Error("Failed to stop orchestrator", "error", err)
	}

	if d.collector != nil {
		d.collector.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logging.Warn("Grace period exceeded")
	}

	logging.Info("Heimdall daemon stopped")
	return nil
}

// Running returns whether the daemon is running.
func (d *Daemon) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// QuitRequested reports tray-initiated shutdown to the service runner.
func (d *Daemon) QuitRequested() <-chan struct{} {
	return d.quit
}

func (d *Daemon) requestQuit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// ReloadConfig re-reads the config file and applies the runtime-safe
// subset. Logging and UI preferences take effect immediately; connection,
// device and RDP changes require a restart because the orchestrator's
// entry set is fixed at construction.
func (d *Daemon) ReloadConfig() error {
	logging.Info("Reloading configuration")

	if d.configPath == "" {
		return fmt.Errorf("config path not set - cannot reload")
	}

	newCfg := config.DefaultConfig()
	if err := config.LoadAndValidate(d.configPath, &newCfg); err != nil {
		logging.Error("Failed to reload config", "error", err)
		return fmt.Errorf("parse config: %w", err)
	}
	for _, serr := range newCfg.Sanitize() {
		logging.Warn("Dropping invalid config entry", "error", serr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Track what was reloaded
	reloaded := []string{}

	if newCfg.Logging != d.config.Logging {
		if err := logging.Setup(newCfg.Logging); err != nil {
			return fmt.Errorf("reconfigure logging: %w", err)
		}
		d.config.Logging = newCfg.Logging
		reloaded = append(reloaded, "logging")
	}

	if newCfg.UI != d.config.UI {
		d.config.UI = newCfg.UI
		reloaded = append(reloaded, "ui")
	}

	if newCfg.AutoConnect != d.config.AutoConnect {
		d.config.AutoConnect = newCfg.AutoConnect
		reloaded = append(reloaded, "auto_connect")
	}

	if !reflect.DeepEqual(newCfg.Connections, d.config.Connections) ||
		!reflect.DeepEqual(newCfg.Devices, d.config.Devices) ||
		!reflect.DeepEqual(newCfg.RDP, d.config.RDP) {
		logging.Info("Connection, device and RDP changes take effect after restart")
	}

	logging.Info("Configuration reloaded", "applied", reloaded)
	return nil
}

// trayConfig builds the tray menu from the configured connections and
// devices. Clicks call straight into the orchestrator.
func (d *Daemon) trayConfig() tray.Config {
	tc := tray.Config{
		OnConnect: func(id string) {
			if err := d.orch.Connect(id); err != nil {
				logging.Warn("Tray connect failed", "connection", id, "error", err)
			}
		},
		OnDisconnect: func(id string) {
			if err := d.orch.Disconnect(id); err != nil {
				logging.Warn("Tray disconnect failed", "connection", id, "error", err)
			}
		},
		OnWake: func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.orch.Wake(ctx, id); err != nil {
				logging.Warn("Tray wake failed", "device", id, "error", err)
			}
		},
		OnQuit: d.requestQuit,
	}

	for _, c := range d.config.Connections {
		tc.Connections = append(tc.Connections, tray.Item{ID: c.ID, Name: c.Name})
	}
	for _, dev := range d.config.Devices {
		tc.Devices = append(tc.Devices, tray.Item{ID: dev.ID, Name: dev.Name})
	}

	return tc
}

// sanitizedConfig returns the config summary served on GET /api/v1/config.
// The API token and credential material never appear in it.
func (d *Daemon) sanitizedConfig() interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg := d.config

	connections := make([]map[string]interface{}, 0, len(cfg.Connections))
	for _, c := range cfg.Connections {
		connections = append(connections, map[string]interface{}{
			"id":   c.ID,
			"name": c.Name,
			"kind": string(c.Kind),
		})
	}
	devices := make([]map[string]interface{}, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		devices = append(devices, map[string]interface{}{
			"id":   dev.ID,
			"name": dev.Name,
		})
	}

	return map[string]interface{}{
		"auto_connect": cfg.AutoConnect,
		"monitor": map[string]interface{}{
			"tick_interval":    cfg.Monitor.TickInterval.Duration().String(),
			"probe_timeout":    cfg.Monitor.ProbeTimeout.Duration().String(),
			"connect_timeout":  cfg.Monitor.ConnectTimeout.Duration().String(),
			"disconnect_grace": cfg.Monitor.DisconnectGrace.Duration().String(),
		},
		"api": map[string]interface{}{
			"enabled": cfg.API.Enabled,
			"listen":  cfg.API.Listen,
		},
		"metrics": map[string]interface{}{
			"enabled": cfg.Metrics.Enabled,
			"path":    cfg.Metrics.Path,
		},
		"credentials": map[string]interface{}{
			"service": cfg.Credentials.Service,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"tray": map[string]interface{}{
			"enabled": cfg.Tray.Enabled,
		},
		"ui": map[string]interface{}{
			"dark_mode": cfg.UI.DarkMode,
		},
		"auto_update": map[string]interface{}{
			"enabled":        cfg.AutoUpdate.Enabled,
			"check_interval": cfg.AutoUpdate.CheckInterval.Duration().String(),
			"channel":        cfg.AutoUpdate.Channel,
		},
		"connections": connections,
		"devices":     devices,
		"rdp_count":   len(cfg.RDP),
	}
}

// updateConfigFile persists settings changes from PUT /api/v1/config. The
// file is edited on the YAML AST so user comments survive, and a timestamped
// backup is written first.
func (d *Daemon) updateConfigFile(updates map[string]interface{}) error {
	if d.configPath == "" {
		return fmt.Errorf("config path not set")
	}
	for key := range updates {
		if !updatableKeys[key] {
			return fmt.Errorf("setting %q cannot be changed at runtime", key)
		}
	}

	if _, err := config.Backup(d.configPath); err != nil {
		return fmt.Errorf("backup config: %w", err)
	}
	if err := config.UpdateFile(d.configPath, updates); err != nil {
		return err
	}

	return d.ReloadConfig()
}

// logNotifier announces background-check results in the daemon log. The
// tray has no notification surface, so the log line is the announcement.
type logNotifier struct{}

func (logNotifier) NotifyUpdateAvailable(info updater.UpdateInfo) {
	logging.Info("Update available",
		"current", info.CurrentVersion,
		"new", info.NewVersion,
		"url", info.ReleaseURL)
}
