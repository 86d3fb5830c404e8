package wol

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/health"
	"github.com/rennerdo30/heimdall/internal/logging"
)

// DefaultStaleAfter is how old a reachability result may get before the
// next sweep probes the device again.
const DefaultStaleAfter = 30 * time.Second

// Status is the tracked reachability of one device.
type Status struct {
	Device    config.DeviceConfig `json:"device"`
	Online    bool                `json:"online"`
	Message   string              `json:"message,omitempty"`
	Latency   time.Duration       `json:"latency"`
	CheckedAt time.Time           `json:"checked_at"`
}

type entry struct {
	device  config.DeviceConfig
	checker health.Checker
	status  Status
}

// Tracker keeps the last known reachability of every registered device.
// Probes run only from Sweep, so the caller decides the cadence; results
// younger than the staleness window are reused instead of re-probed.
type Tracker struct {
	logger     *slog.Logger
	staleAfter time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker returns a tracker with the given staleness window.
func NewTracker(staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{
		logger:     logging.WithComponent("wol"),
		staleAfter: staleAfter,
		entries:    make(map[string]*entry),
	}
}

// SetDevices replaces the registry with the given devices. Status for
// devices that persist is retained; new devices start stale so the next
// sweep probes them immediately.
func (t *Tracker) SetDevices(devices []config.DeviceConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*entry, len(devices))
	for _, d := range devices {
		e := &entry{
			device:  d,
			checker: deviceChecker(d),
			status:  Status{Device: d},
		}
		if prev, ok := t.entries[d.ID]; ok {
			e.status = prev.status
			e.status.Device = d
		}
		next[d.ID] = e
	}
	t.entries = next
}

// MarkStale forces the device to be probed on the next sweep. Used right
// after a wake packet so the change is noticed quickly.
func (t *Tracker) MarkStale(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		e.status.CheckedAt = time.Time{}
	}
}

// Sweep probes every device whose result is older than the staleness
// window. Probes run serially; callers put Sweep on a worker goroutine.
func (t *Tracker) Sweep(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	var due []string
	for id, e := range t.entries {
		if now.Sub(e.status.CheckedAt) > t.staleAfter {
			due = append(due, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		t.probe(ctx, id)
	}
}

func (t *Tracker) probe(ctx context.Context, id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	checker := e.checker
	device := e.device
	t.mu.Unlock()

	var online bool
	var message string
	var latency time.Duration

	if checker == nil {
		message = "no probe target"
	} else {
		res := checker.Check(ctx)
		online = res.Healthy
		message = res.Message
		latency = res.Latency
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok = t.entries[id]
	if !ok {
		return
	}

	changed := e.status.CheckedAt.IsZero() || e.status.Online != online
	e.status.Online = online
	e.status.Message = message
	e.status.Latency = latency
	e.status.CheckedAt = time.Now()

	if changed {
		t.logger.Info("device reachability changed",
			"device", device.Name,
			"online", online,
			"message", message)
	} else {
		t.logger.Debug("device probed",
			"device", device.Name,
			"online", online)
	}
}

// Status returns the last known state of one device.
func (t *Tracker) Status(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

// Statuses returns the last known state of every device, sorted by name.
func (t *Tracker) Statuses() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.Name < out[j].Device.Name
	})
	return out
}

// deviceChecker builds the reachability probe for a device. Without a
// host or an explicit check target there is nothing to probe.
func deviceChecker(d config.DeviceConfig) health.Checker {
	cfg := health.Config{
		Type:   "ping",
		Target: d.Host,
	}
	if d.Check != nil {
		if d.Check.Type != "" {
			cfg.Type = d.Check.Type
		}
		if d.Check.Target != "" {
			cfg.Target = d.Check.Target
		}
		cfg.Timeout = d.Check.Timeout.Duration()
		cfg.Path = d.Check.Path
		cfg.Name = d.Check.Name
	}
	if cfg.Target == "" {
		return nil
	}
	return health.New(cfg)
}
