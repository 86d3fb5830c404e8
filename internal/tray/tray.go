// Package tray provides system tray integration for the Heimdall daemon.
package tray

import (
	"context"
	"fmt"
	"sync"

	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/wol"
)

// Status represents the tray icon status.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusWarning
	StatusError
)

// MenuItem represents a menu item interface for abstraction.
type MenuItem interface {
	SetTitle(title string)
	SetTooltip(tooltip string)
	Enable()
	Disable()
	Show()
	Hide()
	Clicked() <-chan struct{}
}

// SystrayAdapter provides an interface for systray operations.
// This allows mocking the systray package for testing.
type SystrayAdapter interface {
	Run(onReady func(), onExit func())
	SetIcon(iconBytes []byte)
	SetTitle(title string)
	SetTooltip(tooltip string)
	AddMenuItem(title string, tooltip string) MenuItem
	AddSeparator()
	Quit()
}

// Item names a connection or device shown in the menu.
type Item struct {
	ID   string
	Name string
}

// Config holds tray configuration.
type Config struct {
	Connections  []Item
	Devices      []Item
	OnConnect    func(id string)
	OnDisconnect func(id string)
	OnWake       func(id string)
	OnQuit       func()
}

// connectionRow is the menu triple for one connection. The connect and
// disconnect items swap visibility as the connection changes phase.
type connectionRow struct {
	status     MenuItem
	connect    MenuItem
	disconnect MenuItem
}

// Tray provides system tray functionality. Menu state follows the
// orchestrator: clicks only enqueue commands, Update renders the
// resulting snapshots.
type Tray struct {
	cfg     Config
	adapter SystrayAdapter

	mu         sync.Mutex
	icon       Status
	ready      bool
	rows       map[string]*connectionRow
	deviceRows map[string]MenuItem

	// last Update before onReady, applied once the menu exists
	pendingConns   []conn.Status
	pendingDevices []wol.Status
}

// New creates a new system tray.
func New(cfg Config) *Tray {
	return NewWithAdapter(cfg, defaultAdapter)
}

// NewWithAdapter creates a new system tray with a custom adapter (for testing).
func NewWithAdapter(cfg Config, adapter SystrayAdapter) *Tray {
	return &Tray{
		cfg:        cfg,
		adapter:    adapter,
		icon:       StatusDisconnected,
		rows:       make(map[string]*connectionRow),
		deviceRows: make(map[string]MenuItem),
	}
}

// Run starts the system tray (blocks). Cancelling ctx quits it.
func (t *Tray) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.adapter.Quit()
	}()
	t.adapter.Run(t.onReady, t.onExit)
}

// Update renders the given snapshots into the menu. Safe to call before
// the tray is ready; the state is applied once the menu exists.
func (t *Tray) Update(statuses []conn.Status, devices []wol.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		t.pendingConns = statuses
		t.pendingDevices = devices
		return
	}
	t.applyLocked(statuses, devices)
}

// Quit quits the system tray.
func (t *Tray) Quit() {
	t.adapter.Quit()
}

func (t *Tray) onReady() {
	t.adapter.SetTitle("Heimdall")
	t.adapter.SetTooltip("Heimdall VPN Orchestrator")
	t.adapter.SetIcon(iconFor(StatusDisconnected))

	t.mu.Lock()
	for _, c := range t.cfg.Connections {
		id := c.ID
		row := &connectionRow{
			status:     t.adapter.AddMenuItem(c.Name+": disconnected", "Connection status"),
			connect:    t.adapter.AddMenuItem("Connect "+c.Name, "Connect this VPN"),
			disconnect: t.adapter.AddMenuItem("Disconnect "+c.Name, "Disconnect this VPN"),
		}
		row.status.Disable()
		row.disconnect.Hide()
		t.rows[id] = row

		t.watchClicks(row.connect, func() {
			if t.cfg.OnConnect != nil {
				t.cfg.OnConnect(id)
			}
		})
		t.watchClicks(row.disconnect, func() {
			if t.cfg.OnDisconnect != nil {
				t.cfg.OnDisconnect(id)
			}
		})
	}

	if len(t.cfg.Devices) > 0 {
		t.adapter.AddSeparator()
		for _, d := range t.cfg.Devices {
			id := d.ID
			item := t.adapter.AddMenuItem("Wake "+d.Name, "Send wake-on-LAN packet")
			t.deviceRows[id] = item
			t.watchClicks(item, func() {
				if t.cfg.OnWake != nil {
					t.cfg.OnWake(id)
				}
			})
		}
	}

	t.adapter.AddSeparator()
	quit := t.adapter.AddMenuItem("Quit", "Quit Heimdall")
	t.watchClicks(quit, func() {
		if t.cfg.OnQuit != nil {
			t.cfg.OnQuit()
		}
		t.adapter.Quit()
	})

	t.ready = true
	if t.pendingConns != nil || t.pendingDevices != nil {
		t.applyLocked(t.pendingConns, t.pendingDevices)
		t.pendingConns = nil
		t.pendingDevices = nil
	}
	t.mu.Unlock()
}

func (t *Tray) onExit() {
}

// watchClicks forwards every click on item to fn. The goroutine ends
// when the adapter closes the click channel.
func (t *Tray) watchClicks(item MenuItem, fn func()) {
	go func() {
		for range item.Clicked() {
			fn()
		}
	}()
}

func (t *Tray) applyLocked(statuses []conn.Status, devices []wol.Status) {
	connected := 0
	warning := false
	failed := false

	for _, st := range statuses {
		switch st.Phase {
		case conn.PhaseConnected:
			connected++
		case conn.PhaseConnecting, conn.PhaseReconnecting, conn.PhaseDisconnecting:
			warning = true
		case conn.PhaseFailed:
			failed = true
		}

		row, ok := t.rows[st.ID]
		if !ok {
			continue
		}
		row.status.SetTitle(fmt.Sprintf("%s: %s", st.Name, phaseLabel(st)))
		if wantsDisconnectItem(st.Phase) {
			row.connect.Hide()
			row.disconnect.Show()
		} else {
			row.disconnect.Hide()
			row.connect.Show()
		}
	}

	for _, ds := range devices {
		item, ok := t.deviceRows[ds.Device.ID]
		if !ok {
			continue
		}
		if ds.Online {
			item.SetTooltip(ds.Device.Name + " is online")
		} else {
			item.SetTooltip(ds.Device.Name + " is offline")
		}
	}

	icon := StatusDisconnected
	switch {
	case failed:
		icon = StatusError
	case warning:
		icon = StatusWarning
	case connected > 0:
		icon = StatusConnected
	}
	if icon != t.icon {
		t.icon = icon
		t.adapter.SetIcon(iconFor(icon))
	}
	t.adapter.SetTooltip(fmt.Sprintf("Heimdall: %d/%d connected", connected, len(statuses)))
}

// wantsDisconnectItem reports whether the phase is one a disconnect
// command applies to.
func wantsDisconnectItem(phase conn.Phase) bool {
	switch phase {
	case conn.PhaseConnecting, conn.PhaseConnected, conn.PhaseReconnecting, conn.PhaseDisconnecting:
		return true
	}
	return false
}

func phaseLabel(st conn.Status) string {
	switch {
	case st.Phase == conn.PhaseFailed && st.Err != nil:
		return fmt.Sprintf("failed (%s)", st.Err.Kind)
	case st.Phase == conn.PhaseReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d)", st.Attempt)
	default:
		return string(st.Phase)
	}
}
