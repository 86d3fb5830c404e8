package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/conn"
)

// Collector updates system metrics periodically and exposes recording
// helpers the orchestrator calls at transition points.
type Collector struct {
	metrics   *Metrics
	startTime time.Time
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics) *Collector {
	return &Collector{
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// Start starts the periodic system metrics collection.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(15 * time.Second)

	go c.collectLoop()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

// collectLoop periodically collects metrics.
func (c *Collector) collectLoop() {
	// Initial collection
	c.collect()

	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.collect()
		}
	}
}

// collect performs a single metrics collection.
func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

// RecordTransition records a phase transition and moves the phase state
// set: the new phase reads 1, every other phase 0.
func (c *Collector) RecordTransition(connection string, from, to conn.Phase) {
	c.metrics.TransitionsTotal.WithLabelValues(connection, from.String(), to.String()).Inc()

	for _, p := range conn.Phases() {
		v := 0.0
		if p == to {
			v = 1.0
		}
		c.metrics.ConnectionPhase.WithLabelValues(connection, p.String()).Set(v)
	}
}

// ObserveProbe records the duration of a health probe.
func (c *Collector) ObserveProbe(target string, duration time.Duration) {
	c.metrics.ProbeDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordReconnect records an automatic reconnect attempt.
func (c *Collector) RecordReconnect(connection string) {
	c.metrics.ReconnectsTotal.WithLabelValues(connection).Inc()
}

// RecordRestart records a backend process restart after an unexpected exit.
func (c *Collector) RecordRestart(connection string) {
	c.metrics.RestartsTotal.WithLabelValues(connection).Inc()
}

// SetTunnelTraffic records the cumulative tunnel byte counters a backend
// reported. Gauges rather than counters: backends report absolute totals
// that reset when the tunnel restarts.
func (c *Collector) SetTunnelTraffic(connection string, rx, tx int64) {
	c.metrics.TunnelReceiveBytes.WithLabelValues(connection).Set(float64(rx))
	c.metrics.TunnelTransmitBytes.WithLabelValues(connection).Set(float64(tx))
}

// RecordWake records a magic packet send.
func (c *Collector) RecordWake(device string) {
	c.metrics.WakesTotal.WithLabelValues(device).Inc()
}

// SetDeviceOnline records the reachability of a wake-on-LAN device.
func (c *Collector) SetDeviceOnline(device string, online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	c.metrics.DeviceOnline.WithLabelValues(device).Set(v)
}
