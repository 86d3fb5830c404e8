// Package metrics provides Prometheus metrics for Heimdall.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Heimdall.
type Metrics struct {
	// Connection metrics
	ConnectionPhase  *prometheus.GaugeVec
	TransitionsTotal *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	RestartsTotal    *prometheus.CounterVec

	// Probe metrics
	ProbeDuration *prometheus.HistogramVec

	// Tunnel traffic metrics
	TunnelReceiveBytes  *prometheus.GaugeVec
	TunnelTransmitBytes *prometheus.GaugeVec

	// Device metrics
	DeviceOnline *prometheus.GaugeVec
	WakesTotal   *prometheus.CounterVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Connection metrics
	m.ConnectionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_connection_phase",
			Help: "Connection lifecycle phase (1 = current phase, 0 otherwise)",
		},
		[]string{"connection", "phase"},
	)

	m.TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_connection_transitions_total",
			Help: "Total number of connection phase transitions",
		},
		[]string{"connection", "from", "to"},
	)

	m.ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_reconnects_total",
			Help: "Total number of automatic reconnect attempts",
		},
		[]string{"connection"},
	)

	m.RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_process_restarts_total",
			Help: "Total number of backend process restarts after unexpected exits",
		},
		[]string{"connection"},
	)

	// Probe metrics
	m.ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heimdall_probe_duration_seconds",
			Help:    "Duration of health probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"target"},
	)

	// Tunnel traffic metrics
	m.TunnelReceiveBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_tunnel_receive_bytes",
			Help: "Bytes received over the tunnel as reported by the backend",
		},
		[]string{"connection"},
	)

	m.TunnelTransmitBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_tunnel_transmit_bytes",
			Help: "Bytes sent over the tunnel as reported by the backend",
		},
		[]string{"connection"},
	)

	// Device metrics
	m.DeviceOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heimdall_device_online",
			Help: "Reachability of wake-on-LAN devices (1 = online, 0 = offline)",
		},
		[]string{"device"},
	)

	m.WakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heimdall_wake_packets_total",
			Help: "Total number of magic packets sent",
		},
		[]string{"device"},
	)

	// System metrics
	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heimdall_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heimdall_goroutines",
			Help: "Number of goroutines",
		},
	)

	// Register all metrics
	m.registry.MustRegister(
		m.ConnectionPhase,
		m.TransitionsTotal,
		m.ReconnectsTotal,
		m.RestartsTotal,
		m.ProbeDuration,
		m.TunnelReceiveBytes,
		m.TunnelTransmitBytes,
		m.DeviceOnline,
		m.WakesTotal,
		m.Uptime,
		m.GoRoutines,
	)

	// Register default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
