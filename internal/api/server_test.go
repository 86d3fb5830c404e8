package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/journal"
	"github.com/rennerdo30/heimdall/internal/orchestrator"
	"github.com/rennerdo30/heimdall/internal/wol"
)

type fakeDaemon struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	wakes       []string
	launches    []string
	connectErr  error
}

func (d *fakeDaemon) Connect(ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connects = append(d.connects, ref)
	return nil
}

func (d *fakeDaemon) Disconnect(ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, ref)
	return nil
}

func (d *fakeDaemon) Status(ref string) (conn.Status, error) {
	if ref != "office" && ref != "Office VPN" {
		return conn.Status{}, fmt.Errorf("%w: %s", orchestrator.ErrUnknownConnection, ref)
	}
	return conn.Status{
		ID:    "office",
		Name:  "Office VPN",
		Kind:  backend.KindOpenVPN,
		Phase: conn.PhaseConnected,
	}, nil
}

func (d *fakeDaemon) Snapshot() orchestrator.Snapshot {
	return orchestrator.Snapshot{
		Connections: []conn.Status{
			{ID: "office", Name: "Office VPN", Kind: backend.KindOpenVPN, Phase: conn.PhaseConnected},
			{ID: "lab", Name: "Lab VPN", Kind: backend.KindWireGuard, Phase: conn.PhaseDisconnected},
		},
		Devices:     d.Devices(),
		GeneratedAt: time.Now(),
	}
}

func (d *fakeDaemon) Devices() []wol.Status {
	return []wol.Status{
		{
			Device: config.DeviceConfig{ID: "nas", Name: "NAS", MAC: "aa:bb:cc:dd:ee:ff"},
			Online: true,
		},
	}
}

func (d *fakeDaemon) RDPTargets() []config.RDPConfig {
	return []config.RDPConfig{
		{ID: "workstation", Name: "Workstation", Host: "192.168.1.50", Port: 3389},
	}
}

func (d *fakeDaemon) Wake(ctx context.Context, ref string) error {
	if ref == "ghost" {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownDevice, ref)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakes = append(d.wakes, ref)
	return nil
}

func (d *fakeDaemon) LaunchRDP(ctx context.Context, ref string) error {
	if ref == "ghost" {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownTarget, ref)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches = append(d.launches, ref)
	return nil
}

func doRequest(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.NotEmpty(t, resp["time"])
}

func TestHandler_Version(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["version"])
	assert.NotEmpty(t, resp["platform"])
}

func TestHandler_Status(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Connections, 2)
	assert.Equal(t, "office", snap.Connections[0].ID)
	assert.Equal(t, "lab", snap.Connections[1].ID)
	require.Len(t, snap.Devices, 1)
	assert.True(t, snap.Devices[0].Online)
}

func TestHandler_StatusWithoutDaemon(t *testing.T) {
	h := New(Config{}).Handler()

	rec := doRequest(h, "GET", "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Empty collections must encode as [] rather than null.
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp["connections"])
	assert.NotNil(t, resp["devices"])
}

func TestHandler_ListConnections(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []conn.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, conn.PhaseConnected, statuses[0].Phase)
}

func TestHandler_GetConnection(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/connections/office", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status conn.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "Office VPN", status.Name)

	// Names with spaces arrive URL-encoded.
	rec = doRequest(h, "GET", "/api/v1/connections/Office%20VPN", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, "GET", "/api/v1/connections/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "ghost")
}

func TestHandler_Connect(t *testing.T) {
	daemon := &fakeDaemon{}
	h := New(Config{Daemon: daemon}).Handler()

	rec := doRequest(h, "POST", "/api/v1/connections/office/connect", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "office", resp["connection"])
	assert.Equal(t, []string{"office"}, daemon.connects)
}

func TestHandler_ConnectErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown connection", orchestrator.ErrUnknownConnection, http.StatusNotFound},
		{"daemon stopped", orchestrator.ErrNotRunning, http.StatusServiceUnavailable},
		{"queue full", orchestrator.ErrQueueFull, http.StatusTooManyRequests},
		{"internal", fmt.Errorf("spawn failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{Daemon: &fakeDaemon{connectErr: tt.err}}).Handler()
			rec := doRequest(h, "POST", "/api/v1/connections/office/connect", nil)
			assert.Equal(t, tt.want, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestHandler_Disconnect(t *testing.T) {
	daemon := &fakeDaemon{}
	h := New(Config{Daemon: daemon}).Handler()

	rec := doRequest(h, "POST", "/api/v1/connections/office/disconnect", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"office"}, daemon.disconnects)
}

func TestHandler_CommandsWithoutDaemon(t *testing.T) {
	h := New(Config{}).Handler()

	for _, target := range []string{
		"/api/v1/connections/office/connect",
		"/api/v1/connections/office/disconnect",
		"/api/v1/devices/nas/wake",
		"/api/v1/rdp/workstation/launch",
	} {
		rec := doRequest(h, "POST", target, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestHandler_ListDevices(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []wol.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "nas", devices[0].Device.ID)
}

func TestHandler_Wake(t *testing.T) {
	daemon := &fakeDaemon{}
	h := New(Config{Daemon: daemon}).Handler()

	rec := doRequest(h, "POST", "/api/v1/devices/nas/wake", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp["status"])
	assert.Equal(t, []string{"nas"}, daemon.wakes)

	rec = doRequest(h, "POST", "/api/v1/devices/ghost/wake", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_RDP(t *testing.T) {
	daemon := &fakeDaemon{}
	h := New(Config{Daemon: daemon}).Handler()

	rec := doRequest(h, "GET", "/api/v1/rdp", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var targets []config.RDPConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	require.Len(t, targets, 1)
	assert.Equal(t, "Workstation", targets[0].Name)

	rec = doRequest(h, "POST", "/api/v1/rdp/workstation/launch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "launched", resp["status"])
	assert.Equal(t, []string{"workstation"}, daemon.launches)

	rec = doRequest(h, "POST", "/api/v1/rdp/ghost/launch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Auth(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}, Token: "secret123"}).Handler()

	tests := []struct {
		name  string
		token string
		query string
		want  int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"wrong token", "wrong", "", http.StatusUnauthorized},
		{"bearer token", "Bearer secret123", "", http.StatusOK},
		{"raw token", "secret123", "", http.StatusOK},
		{"query token", "", "?token=secret123", http.StatusOK},
		{"wrong query token", "", "?token=nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/health"+tt.query, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandler_NoAuthWhenTokenEmpty(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_CORS(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Spoofed origins that merely start with localhost must not pass.
	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost.evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://127.0.0.1:8080")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_SecurityHeaders(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestHandler_Config(t *testing.T) {
	var got map[string]interface{}
	h := New(Config{
		Daemon:       &fakeDaemon{},
		ConfigGetter: func() interface{} { return map[string]string{"log_level": "info"} },
		ConfigUpdater: func(updates map[string]interface{}) error {
			got = updates
			return nil
		},
	}).Handler()

	rec := doRequest(h, "GET", "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "info", cfg["log_level"])

	rec = doRequest(h, "PUT", "/api/v1/config", strings.NewReader(`{"logging":{"level":"debug"}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Contains(t, got, "logging")

	rec = doRequest(h, "PUT", "/api/v1/config", strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ConfigUnavailable(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/config", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(h, "PUT", "/api/v1/config", strings.NewReader("{}"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_ConfigUpdateError(t *testing.T) {
	h := New(Config{
		Daemon:        &fakeDaemon{},
		ConfigUpdater: func(map[string]interface{}) error { return fmt.Errorf("unknown key: bogus") },
	}).Handler()

	rec := doRequest(h, "PUT", "/api/v1/config", strings.NewReader(`{"bogus":1}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "bogus")
}

func TestHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("heimdall_build_info 1"))
	})
	h := New(Config{Daemon: &fakeDaemon{}, Metrics: metrics}).Handler()

	rec := doRequest(h, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "heimdall_build_info")

	// Without a collector the route is absent.
	h = New(Config{Daemon: &fakeDaemon{}}).Handler()
	rec = doRequest(h, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_MetricsBehindAuth(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	h := New(Config{Daemon: &fakeDaemon{}, Token: "secret123", Metrics: metrics}).Handler()

	rec := doRequest(h, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Prometheus scrapers can pass the token as a query parameter.
	rec = doRequest(h, "GET", "/metrics?token=secret123", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_AllRoutes(t *testing.T) {
	h := New(Config{
		Daemon:        &fakeDaemon{},
		ConfigGetter:  func() interface{} { return map[string]string{} },
		ConfigUpdater: func(map[string]interface{}) error { return nil },
	}).Handler()

	routes := []struct {
		method string
		path   string
		body   string
	}{
		{"GET", "/api/v1/health", ""},
		{"GET", "/api/v1/version", ""},
		{"GET", "/api/v1/status", ""},
		{"GET", "/api/v1/events", ""},
		{"GET", "/api/v1/connections", ""},
		{"GET", "/api/v1/connections/office", ""},
		{"POST", "/api/v1/connections/office/connect", ""},
		{"POST", "/api/v1/connections/office/disconnect", ""},
		{"GET", "/api/v1/devices", ""},
		{"POST", "/api/v1/devices/nas/wake", ""},
		{"GET", "/api/v1/rdp", ""},
		{"POST", "/api/v1/rdp/workstation/launch", ""},
		{"GET", "/api/v1/config", ""},
		{"PUT", "/api/v1/config", "{}"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			var body io.Reader
			if rt.body != "" {
				body = strings.NewReader(rt.body)
			}
			rec := doRequest(h, rt.method, rt.path, body)
			assert.NotEqual(t, http.StatusNotFound, rec.Code)
			assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestHandler_Events(t *testing.T) {
	jrnl := journal.New(10)
	jrnl.RecordTransition("office", "Office VPN", "connecting", "connected", nil)
	jrnl.RecordCommand("office", "disconnect")

	h := New(Config{Daemon: &fakeDaemon{}, Journal: jrnl}).Handler()

	rec := doRequest(h, "GET", "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []journal.Event `json:"events"`
		Count  int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	// Newest first
	assert.Equal(t, journal.EventCommand, resp.Events[0].Type)
	assert.Equal(t, "disconnect", resp.Events[0].Detail)
	assert.Equal(t, journal.EventTransition, resp.Events[1].Type)
	assert.Equal(t, "connected", resp.Events[1].To)
}

func TestHandler_Events_Limit(t *testing.T) {
	jrnl := journal.New(10)
	for i := 0; i < 5; i++ {
		jrnl.RecordCommand("office", "connect")
	}

	h := New(Config{Daemon: &fakeDaemon{}, Journal: jrnl}).Handler()

	rec := doRequest(h, "GET", "/api/v1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestHandler_Events_BadLimit(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}, Journal: journal.New(10)}).Handler()

	rec := doRequest(h, "GET", "/api/v1/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, "GET", "/api/v1/events?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Events_NoJournal(t *testing.T) {
	h := New(Config{Daemon: &fakeDaemon{}}).Handler()

	rec := doRequest(h, "GET", "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}
