package wol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/heimdall/internal/config"
)

// tcpDevice builds a device probed with a TCP dial against target, which
// keeps the tests free of ping binaries and privileges.
func tcpDevice(id, name, target string) config.DeviceConfig {
	return config.DeviceConfig{
		ID:   id,
		Name: name,
		MAC:  "aa:bb:cc:dd:ee:ff",
		Check: &config.CheckConfig{
			Type:    "tcp",
			Target:  target,
			Timeout: config.Duration(500 * time.Millisecond),
		},
	}
}

func startTCPListener(t *testing.T) (net.Listener, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	return ln, ln.Addr().String()
}

func TestTracker_Sweep(t *testing.T) {
	_, addr := startTCPListener(t)

	tracker := NewTracker(30 * time.Second)
	tracker.SetDevices([]config.DeviceConfig{
		tcpDevice("up", "reachable", addr),
		tcpDevice("down", "unreachable", "127.0.0.1:1"),
	})

	tracker.Sweep(context.Background())

	up, ok := tracker.Status("up")
	require.True(t, ok)
	assert.True(t, up.Online)
	assert.False(t, up.CheckedAt.IsZero())

	down, ok := tracker.Status("down")
	require.True(t, ok)
	assert.False(t, down.Online)
}

func TestTracker_StalenessWindowAndMarkStale(t *testing.T) {
	ln, addr := startTCPListener(t)

	tracker := NewTracker(time.Hour)
	tracker.SetDevices([]config.DeviceConfig{tcpDevice("dev", "workstation", addr)})

	tracker.Sweep(context.Background())
	st, _ := tracker.Status("dev")
	require.True(t, st.Online)

	// The port goes away, but the result is fresh so the next sweep must
	// not re-probe.
	ln.Close()
	tracker.Sweep(context.Background())
	st, _ = tracker.Status("dev")
	assert.True(t, st.Online, "fresh result should be reused, not re-probed")

	// A wake marks the device stale and forces the next sweep to look.
	tracker.MarkStale("dev")
	tracker.Sweep(context.Background())
	st, _ = tracker.Status("dev")
	assert.False(t, st.Online)
}

func TestTracker_SetDevicesRetainsStatus(t *testing.T) {
	_, addr := startTCPListener(t)

	tracker := NewTracker(time.Hour)
	tracker.SetDevices([]config.DeviceConfig{tcpDevice("dev", "workstation", addr)})
	tracker.Sweep(context.Background())

	before, _ := tracker.Status("dev")
	require.True(t, before.Online)

	// Same id survives a config reload with a new name; status carries over.
	renamed := tcpDevice("dev", "workstation-2", addr)
	tracker.SetDevices([]config.DeviceConfig{renamed})

	after, ok := tracker.Status("dev")
	require.True(t, ok)
	assert.True(t, after.Online)
	assert.Equal(t, before.CheckedAt, after.CheckedAt)
	assert.Equal(t, "workstation-2", after.Device.Name)
}

func TestTracker_SetDevicesDropsRemoved(t *testing.T) {
	tracker := NewTracker(time.Hour)
	tracker.SetDevices([]config.DeviceConfig{
		tcpDevice("a", "alpha", "127.0.0.1:1"),
		tcpDevice("b", "beta", "127.0.0.1:1"),
	})

	tracker.SetDevices([]config.DeviceConfig{tcpDevice("a", "alpha", "127.0.0.1:1")})

	_, ok := tracker.Status("b")
	assert.False(t, ok)
	assert.Len(t, tracker.Statuses(), 1)
}

func TestTracker_NoProbeTarget(t *testing.T) {
	tracker := NewTracker(time.Hour)
	tracker.SetDevices([]config.DeviceConfig{
		{ID: "dev", Name: "workstation", MAC: "aa:bb:cc:dd:ee:ff"},
	})

	tracker.Sweep(context.Background())

	st, ok := tracker.Status("dev")
	require.True(t, ok)
	assert.False(t, st.Online)
	assert.Equal(t, "no probe target", st.Message)
}

func TestTracker_StatusesSortedByName(t *testing.T) {
	tracker := NewTracker(time.Hour)
	tracker.SetDevices([]config.DeviceConfig{
		tcpDevice("1", "zeta", "127.0.0.1:1"),
		tcpDevice("2", "alpha", "127.0.0.1:1"),
		tcpDevice("3", "mid", "127.0.0.1:1"),
	})

	statuses := tracker.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].Device.Name)
	assert.Equal(t, "mid", statuses[1].Device.Name)
	assert.Equal(t, "zeta", statuses[2].Device.Name)
}

func TestTracker_SweepHonorsContext(t *testing.T) {
	tracker := NewTracker(time.Hour)
	tracker.SetDevices([]config.DeviceConfig{tcpDevice("dev", "workstation", "127.0.0.1:1")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tracker.Sweep(ctx)

	st, _ := tracker.Status("dev")
	assert.True(t, st.CheckedAt.IsZero(), "cancelled sweep should not probe")
}
