package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/logging"
)

// testConfig returns a minimal daemon config that needs no network, keyring
// or display.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Tray.Enabled = false
	cfg.AutoUpdate.Enabled = false
	cfg.Credentials.Service = "heimdall-test"
	cfg.Credentials.File = filepath.Join(t.TempDir(), "credentials.enc")
	cfg.Logging = logging.Config{Level: "error", Format: "text", Output: "stderr"}
	return &cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, "")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NotNil(t, d.Orchestrator())
	assert.Nil(t, d.tray)
	assert.Nil(t, d.updater)
	assert.Nil(t, d.metrics)
	assert.False(t, d.Running())
}

func TestNew_WithConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connections = []backend.Connection{
		{ID: "office", Name: "Office", Kind: backend.KindOpenVPN, ConfigPath: "/etc/office.ovpn"},
		{ID: "home", Name: "Home", Kind: backend.KindWireGuard, ConfigPath: "/etc/wg0.conf"},
	}

	d, err := New(cfg, "")
	require.NoError(t, err)

	snap := d.Orchestrator().Snapshot()
	assert.Len(t, snap.Connections, 2)
}

func TestNew_WithMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.Metrics.Enabled = true

	d, err := New(cfg, "")
	require.NoError(t, err)
	assert.NotNil(t, d.metrics)
	assert.NotNil(t, d.collector)
}

func TestNew_WithTray(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tray.Enabled = true
	cfg.Connections = []backend.Connection{
		{ID: "office", Name: "Office", Kind: backend.KindOpenVPN, ConfigPath: "/etc/office.ovpn"},
	}

	d, err := New(cfg, "")
	require.NoError(t, err)
	assert.NotNil(t, d.tray)
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, "")
	require.NoError(t, err)

	ctx := context.Background()

	// Start
	err = d.Start(ctx)
	require.NoError(t, err)
	assert.True(t, d.Running())

	// Start again (should be no-op)
	err = d.Start(ctx)
	require.NoError(t, err)

	// Stop
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = d.Stop(stopCtx)
	require.NoError(t, err)
	assert.False(t, d.Running())

	// Stop again (should be no-op)
	err = d.Stop(stopCtx)
	require.NoError(t, err)
}

func TestDaemon_StartWithAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Token = "test-token"

	d, err := New(cfg, "")
	require.NoError(t, err)

	ctx := context.Background()
	err = d.Start(ctx)
	require.NoError(t, err)
	assert.True(t, d.Running())

	// Give the API server time to start
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = d.Stop(stopCtx)
	require.NoError(t, err)
}

func TestDaemon_QuitRequested(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, "")
	require.NoError(t, err)

	select {
	case <-d.QuitRequested():
		t.Fatal("quit channel closed before quit was requested")
	default:
	}

	// Quit from the tray menu closes the channel exactly once.
	tc := d.trayConfig()
	tc.OnQuit()
	tc.OnQuit()

	select {
	case <-d.QuitRequested():
	case <-time.After(time.Second):
		t.Fatal("quit channel not closed after quit request")
	}
}

func TestDaemon_ReloadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: error\n  format: text\n  output: stderr\n"), 0600))

	cfg := testConfig(t)

	d, err := New(cfg, cfgPath)
	require.NoError(t, err)

	// Change the log level on disk and reload.
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: warn\n  format: text\n  output: stderr\n"), 0600))
	require.NoError(t, d.ReloadConfig())
	assert.Equal(t, "warn", d.config.Logging.Level)
}

func TestDaemon_ReloadConfig_NoPath(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, "")
	require.NoError(t, err)

	err = d.ReloadConfig()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config path not set")
}

func TestDaemon_ReloadConfig_InvalidFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging: [not a mapping\n"), 0600))

	cfg := testConfig(t)

	d, err := New(cfg, cfgPath)
	require.NoError(t, err)

	err = d.ReloadConfig()
	assert.Error(t, err)
}

func TestDaemon_SanitizedConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Token = "super-secret-token"
	cfg.Connections = []backend.Connection{
		{ID: "office", Name: "Office", Kind: backend.KindOpenVPN, ConfigPath: "/etc/office.ovpn"},
	}

	d, err := New(cfg, "")
	require.NoError(t, err)

	data, err := json.Marshal(d.sanitizedConfig())
	require.NoError(t, err)

	body := string(data)
	assert.NotContains(t, body, "super-secret-token")
	assert.Contains(t, body, `"office"`)
	assert.Contains(t, body, `"openvpn"`)
}

func TestDaemon_UpdateConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ui:\n  dark_mode: false\n"), 0600))

	cfg := testConfig(t)

	d, err := New(cfg, cfgPath)
	require.NoError(t, err)

	err = d.updateConfigFile(map[string]interface{}{
		"ui": map[string]interface{}{"dark_mode": true},
	})
	require.NoError(t, err)

	// The change is applied in memory and persisted.
	assert.True(t, d.config.UI.DarkMode)
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dark_mode: true")

	// A backup of the previous file was written.
	backups, err := filepath.Glob(cfgPath + ".backup.*")
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestDaemon_UpdateConfigFile_RejectedKey(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("api:\n  enabled: false\n"), 0600))

	cfg := testConfig(t)

	d, err := New(cfg, cfgPath)
	require.NoError(t, err)

	err = d.updateConfigFile(map[string]interface{}{
		"api": map[string]interface{}{"token": "hijacked"},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be changed at runtime")

	// The file is untouched.
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hijacked")
}

func TestDaemon_UpdateConfigFile_NoPath(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, "")
	require.NoError(t, err)

	err = d.updateConfigFile(map[string]interface{}{"ui": map[string]interface{}{"dark_mode": true}})
	assert.Error(t, err)
}
