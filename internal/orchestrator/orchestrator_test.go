//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/heimdall/internal/backend"
	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/credentials"
	"github.com/rennerdo30/heimdall/internal/supervisor"
	"github.com/rennerdo30/heimdall/internal/wol"
)

// fakeAdapter is a scriptable backend. The zero value connects instantly
// and reports an established tunnel on every probe.
type fakeAdapter struct {
	kind backend.Kind

	mu              sync.Mutex
	availErr        error
	connectErr      error
	probeErr        error
	down            bool
	connectCalls    int
	disconnectCalls int
	lastCreds       *backend.Credentials

	// holdConnect, when set, blocks Connect until closed.
	holdConnect chan struct{}
	// startProcess, when set, spawns a real supervised process so exit
	// events flow.
	startProcess func(ctx context.Context, c backend.Connection) (*supervisor.Handle, error)
}

func newFakeAdapter(kind backend.Kind) *fakeAdapter {
	return &fakeAdapter{kind: kind}
}

func (f *fakeAdapter) Kind() backend.Kind { return f.kind }

func (f *fakeAdapter) Available() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availErr
}

func (f *fakeAdapter) Validate(backend.Connection) error { return nil }

func (f *fakeAdapter) Connect(ctx context.Context, c backend.Connection, creds *backend.Credentials) (*supervisor.Handle, error) {
	f.mu.Lock()
	f.connectCalls++
	f.lastCreds = creds
	hold := f.holdConnect
	start := f.startProcess
	err := f.connectErr
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if start != nil {
		return start(ctx, c)
	}
	return nil, nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context, c backend.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	return nil
}

func (f *fakeAdapter) Probe(ctx context.Context, c backend.Connection) (backend.ObservedStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return backend.ObservedStatus{}, f.probeErr
	}
	if f.down {
		return backend.ObservedStatus{Message: "interface missing"}, nil
	}
	return backend.ObservedStatus{Up: true, LocalIP: "10.8.0.2", RxBytes: 4096, TxBytes: 1024}, nil
}

func (f *fakeAdapter) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeAdapter) calls() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.disconnectCalls
}

func (f *fakeAdapter) credentials() *backend.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCreds
}

// fakeAdvisor stands in for the installer when testing the availability
// gate.
type fakeAdvisor struct{ command string }

func (f fakeAdvisor) InstallCommand(backend.Kind) (string, error) {
	if f.command == "" {
		return "", errors.New("no package manager")
	}
	return f.command, nil
}

func vpnProfile(id, name string, kind backend.Kind) backend.Connection {
	return backend.Connection{
		ID:         id,
		Name:       name,
		Kind:       kind,
		ConfigPath: "/etc/heimdall/" + id + ".ovpn",
	}
}

// testConfig uses millisecond timings so the loop reacts fast, and an
// hour-long backoff so machines parked in reconnecting stay there for
// assertions.
func testConfig(conns ...backend.Connection) *config.Config {
	return &config.Config{
		Connections: conns,
		Monitor: config.MonitorConfig{
			TickInterval:     config.Duration(10 * time.Millisecond),
			ProbeTimeout:     config.Duration(500 * time.Millisecond),
			ConnectTimeout:   config.Duration(2 * time.Second),
			DisconnectGrace:  config.Duration(200 * time.Millisecond),
			FailureThreshold: 2,
			Backoff: config.BackoffConfig{
				Initial: config.Duration(time.Hour),
				Max:     config.Duration(time.Hour),
			},
		},
	}
}

func newTestOrchestrator(t *testing.T, opts Options, adapters ...backend.Adapter) *Orchestrator {
	t.Helper()

	if opts.Registry == nil {
		opts.Registry = backend.NewRegistry()
	}
	for _, a := range adapters {
		require.NoError(t, opts.Registry.Register(a))
	}
	if opts.Supervisor == nil {
		opts.Supervisor = supervisor.New(200*time.Millisecond, nil)
	}

	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func startOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()

	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Stop(ctx))
	})
}

func waitPhase(t *testing.T, o *Orchestrator, ref string, want conn.Phase) conn.Status {
	t.Helper()

	require.Eventually(t, func() bool {
		st, err := o.Status(ref)
		return err == nil && st.Phase == want
	}, 5*time.Second, 5*time.Millisecond, "connection %s never reached %s", ref, want)

	st, err := o.Status(ref)
	require.NoError(t, err)
	return st
}

func TestNew_RequiresCollaborators(t *testing.T) {
	registry := backend.NewRegistry()
	sup := supervisor.New(time.Second, nil)

	_, err := New(Options{Registry: registry, Supervisor: sup})
	assert.ErrorContains(t, err, "config")

	_, err = New(Options{Config: testConfig(), Supervisor: sup})
	assert.ErrorContains(t, err, "registry")

	_, err = New(Options{Config: testConfig(), Registry: registry})
	assert.ErrorContains(t, err, "supervisor")
}

func TestNew_UnregisteredBackend(t *testing.T) {
	registry := backend.NewRegistry()
	require.NoError(t, registry.Register(newFakeAdapter(backend.KindOpenVPN)))

	cfg := testConfig(vpnProfile("lab", "Lab VPN", backend.KindWireGuard))
	_, err := New(Options{
		Config:     cfg,
		Registry:   registry,
		Supervisor: supervisor.New(time.Second, nil),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.ErrorContains(t, err, "lab")
}

func TestConnect_EstablishesTunnel(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))

	st := waitPhase(t, o, "office", conn.PhaseConnected)
	assert.True(t, st.Observed.Up)
	assert.Equal(t, "10.8.0.2", st.Observed.LocalIP)
	assert.False(t, st.ConnectedSince.IsZero())
	assert.Nil(t, st.Err)

	connects, _ := fake.calls()
	assert.Equal(t, 1, connects)
	assert.Nil(t, fake.credentials(), "no credential_ref means nil credentials")
}

func TestConnect_ByName(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("Office VPN"))
	waitPhase(t, o, "office", conn.PhaseConnected)
}

func TestConnect_UnknownAndStopped(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)

	err := o.Connect("ghost")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	// Known connection, but the loop is not running yet.
	err = o.Connect("office")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConnect_WhileActiveIsNoOp(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))
	waitPhase(t, o, "office", conn.PhaseConnected)

	require.NoError(t, o.Connect("office"))
	time.Sleep(50 * time.Millisecond)

	connects, _ := fake.calls()
	assert.Equal(t, 1, connects, "a connect on an active connection must not re-dial")
}

func TestConnect_BackendUnavailable(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	fake.availErr = errors.New("openvpn binary not found in PATH")

	o := newTestOrchestrator(t, Options{
		Config:    testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN)),
		Installer: fakeAdvisor{command: "sudo apt install -y openvpn"},
	}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))

	st := waitPhase(t, o, "office", conn.PhaseFailed)
	require.NotNil(t, st.Err)
	assert.Equal(t, conn.KindBackendUnavailable, st.Err.Kind)
	assert.Contains(t, st.Err.Message, "install with: sudo apt install -y openvpn")

	connects, _ := fake.calls()
	assert.Equal(t, 0, connects, "the adapter must not be dialed without its binary")
}

func TestDisconnect_TearsDown(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))
	waitPhase(t, o, "office", conn.PhaseConnected)

	require.NoError(t, o.Disconnect("office"))
	st := waitPhase(t, o, "office", conn.PhaseDisconnected)
	assert.Equal(t, conn.PhaseDisconnected, st.Desired)

	_, disconnects := fake.calls()
	assert.GreaterOrEqual(t, disconnects, 1)
}

func TestDisconnect_SupersedesConnect(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	fake.setDown(true) // probes must not confirm while the dial hangs
	fake.holdConnect = make(chan struct{})

	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))
	waitPhase(t, o, "office", conn.PhaseConnecting)
	require.Eventually(t, func() bool {
		connects, _ := fake.calls()
		return connects == 1
	}, 2*time.Second, 2*time.Millisecond, "dial never started")

	require.NoError(t, o.Disconnect("office"))
	close(fake.holdConnect)

	st := waitPhase(t, o, "office", conn.PhaseDisconnected)
	assert.Equal(t, conn.PhaseDisconnected, st.Desired)

	connects, disconnects := fake.calls()
	assert.Equal(t, 1, connects)
	assert.GreaterOrEqual(t, disconnects, 1)
}

func TestStart_AutoConnect(t *testing.T) {
	auto := vpnProfile("office", "Office VPN", backend.KindOpenVPN)
	auto.AutoConnect = true
	manual := vpnProfile("lab", "Lab VPN", backend.KindWireGuard)

	ovpn := newFakeAdapter(backend.KindOpenVPN)
	wg := newFakeAdapter(backend.KindWireGuard)

	cfg := testConfig(auto, manual)
	cfg.AutoConnect = true

	o := newTestOrchestrator(t, Options{Config: cfg}, ovpn, wg)
	startOrchestrator(t, o)

	waitPhase(t, o, "office", conn.PhaseConnected)
	time.Sleep(30 * time.Millisecond)

	st, err := o.Status("lab")
	require.NoError(t, err)
	assert.Equal(t, conn.PhaseDisconnected, st.Phase)

	connects, _ := wg.calls()
	assert.Equal(t, 0, connects, "profiles without auto_connect must stay down")
}

func TestUnexpectedExit_SchedulesReconnect(t *testing.T) {
	sup := supervisor.New(200*time.Millisecond, nil)
	fake := newFakeAdapter(backend.KindOpenVPN)
	fake.startProcess = func(ctx context.Context, c backend.Connection) (*supervisor.Handle, error) {
		return sup.Start(ctx, c.ID, "sh", "-c", "exit 3")
	}

	o := newTestOrchestrator(t, Options{
		Config:     testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN)),
		Supervisor: sup,
	}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))

	st := waitPhase(t, o, "office", conn.PhaseReconnecting)
	assert.True(t, st.Retrying)
	require.NotNil(t, st.Err)
	assert.Equal(t, conn.KindUnexpectedExit, st.Err.Kind)
	assert.Contains(t, st.Err.Message, "exited with code 3")
}

func TestProbeLoss_SchedulesReconnect(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))
	waitPhase(t, o, "office", conn.PhaseConnected)

	fake.setDown(true)

	st := waitPhase(t, o, "office", conn.PhaseReconnecting)
	assert.True(t, st.Retrying)
	require.NotNil(t, st.Err)
	assert.Equal(t, conn.KindLinkDown, st.Err.Kind)

	// The half-open tunnel is torn down before the retry dials again.
	require.Eventually(t, func() bool {
		_, disconnects := fake.calls()
		return disconnects >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnect_ResolvesCredentials(t *testing.T) {
	t.Setenv(credentials.PassphraseEnv, "test-passphrase")
	store, err := credentials.NewFile(filepath.Join(t.TempDir(), "credentials.enc"))
	require.NoError(t, err)
	require.NoError(t, credentials.SetCredential(store, "vpn/office", credentials.Credential{
		Username: "alice",
		Password: "hunter2",
	}))

	profile := vpnProfile("office", "Office VPN", backend.KindOpenVPN)
	profile.CredentialRef = "vpn/office"

	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{
		Config:      testConfig(profile),
		Credentials: store,
	}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))
	waitPhase(t, o, "office", conn.PhaseConnected)

	creds := fake.credentials()
	require.NotNil(t, creds)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestConnect_MissingCredentialFails(t *testing.T) {
	t.Setenv(credentials.PassphraseEnv, "test-passphrase")
	store, err := credentials.NewFile(filepath.Join(t.TempDir(), "credentials.enc"))
	require.NoError(t, err)

	profile := vpnProfile("office", "Office VPN", backend.KindOpenVPN)
	profile.CredentialRef = "vpn/ghost"

	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{
		Config:      testConfig(profile),
		Credentials: store,
	}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))

	st := waitPhase(t, o, "office", conn.PhaseFailed)
	require.NotNil(t, st.Err)
	assert.Equal(t, conn.KindConfigInvalid, st.Err.Kind)
	assert.Contains(t, st.Err.Message, "vpn/ghost")

	connects, _ := fake.calls()
	assert.Equal(t, 0, connects, "a missing credential must fail before the dial")
}

func TestStop_TearsDownTunnels(t *testing.T) {
	fake := newFakeAdapter(backend.KindOpenVPN)
	o := newTestOrchestrator(t, Options{Config: testConfig(vpnProfile("office", "Office VPN", backend.KindOpenVPN))}, fake)
	startOrchestrator(t, o)

	require.NoError(t, o.Connect("office"))
	waitPhase(t, o, "office", conn.PhaseConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))

	st, err := o.Status("office")
	require.NoError(t, err)
	assert.Equal(t, conn.PhaseDisconnected, st.Phase)

	_, disconnects := fake.calls()
	assert.GreaterOrEqual(t, disconnects, 1)

	assert.ErrorIs(t, o.Connect("office"), ErrNotRunning)
	assert.NoError(t, o.Stop(ctx), "stop is idempotent")
}

func TestSnapshot_OrderAndDevices(t *testing.T) {
	cfg := testConfig(
		vpnProfile("office", "Office VPN", backend.KindOpenVPN),
		vpnProfile("lab", "Lab VPN", backend.KindWireGuard),
	)
	cfg.Devices = []config.DeviceConfig{
		{ID: "ws", Name: "workstation", MAC: "aa:bb:cc:dd:ee:ff"},
	}

	o := newTestOrchestrator(t, Options{Config: cfg},
		newFakeAdapter(backend.KindOpenVPN), newFakeAdapter(backend.KindWireGuard))

	snap := o.Snapshot()
	require.Len(t, snap.Connections, 2)
	assert.Equal(t, "office", snap.Connections[0].ID, "snapshot follows configuration order")
	assert.Equal(t, "lab", snap.Connections[1].ID)
	assert.Equal(t, conn.PhaseDisconnected, snap.Connections[0].Phase)
	require.Len(t, snap.Devices, 1)
	assert.False(t, snap.GeneratedAt.IsZero())

	st, err := o.Status("Lab VPN")
	require.NoError(t, err)
	assert.Equal(t, "lab", st.ID)

	_, err = o.Status("ghost")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestWake_SendsMagicPacket(t *testing.T) {
	sock, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	port := sock.LocalAddr().(*net.UDPAddr).Port

	cfg := testConfig()
	cfg.Devices = []config.DeviceConfig{{
		ID:        "ws",
		Name:      "workstation",
		MAC:       "aa:bb:cc:dd:ee:ff",
		Broadcast: "127.0.0.1",
		Port:      port,
	}}

	o := newTestOrchestrator(t, Options{Config: cfg})

	require.NoError(t, o.Wake(context.Background(), "workstation"))

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := sock.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, wol.PacketSize, n)

	err = o.Wake(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestLaunchRDP_UnknownTarget(t *testing.T) {
	o := newTestOrchestrator(t, Options{Config: testConfig()})

	err := o.LaunchRDP(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}
