package conn

import (
	"time"

	"github.com/rennerdo30/heimdall/internal/backend"
)

// Observed is the last probe result in snapshot-friendly form.
type Observed struct {
	Up           bool          `json:"up" yaml:"up"`
	LocalIP      string        `json:"local_ip,omitempty" yaml:"local_ip,omitempty"`
	RemoteIP     string        `json:"remote_ip,omitempty" yaml:"remote_ip,omitempty"`
	RxBytes      int64         `json:"rx_bytes" yaml:"rx_bytes"`
	TxBytes      int64         `json:"tx_bytes" yaml:"tx_bytes"`
	HandshakeAge time.Duration `json:"handshake_age,omitempty" yaml:"handshake_age,omitempty"`
	Message      string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// Status is a point-in-time view of a connection. It carries no secrets
// and is safe to log, persist and serve over the API.
type Status struct {
	ID      string       `json:"id" yaml:"id"`
	Name    string       `json:"name" yaml:"name"`
	Kind    backend.Kind `json:"kind" yaml:"kind"`
	Phase   Phase        `json:"phase" yaml:"phase"`
	Desired Phase        `json:"desired" yaml:"desired"`
	Err     *Error       `json:"error,omitempty" yaml:"error,omitempty"`

	ConnectedSince time.Time     `json:"connected_since,omitempty" yaml:"connected_since,omitempty"`
	Uptime         time.Duration `json:"uptime,omitempty" yaml:"uptime,omitempty"`

	Retrying    bool          `json:"retrying,omitempty" yaml:"retrying,omitempty"`
	Attempt     int           `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	NextRetryIn time.Duration `json:"next_retry_in,omitempty" yaml:"next_retry_in,omitempty"`

	Observed   Observed  `json:"observed" yaml:"observed"`
	ObservedAt time.Time `json:"observed_at,omitempty" yaml:"observed_at,omitempty"`
}

// Snapshot returns the connection's status as of now.
func (m *Machine) Snapshot(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		ID:      m.conn.ID,
		Name:    m.conn.Name,
		Kind:    m.conn.Kind,
		Phase:   m.phase,
		Desired: m.desired,
		Err:     m.lastErr,
		Observed: Observed{
			Up:       m.observed.Up,
			LocalIP:  m.observed.LocalIP,
			RemoteIP: m.observed.RemoteIP,
			RxBytes:  m.observed.RxBytes,
			TxBytes:  m.observed.TxBytes,
			Message:  m.observed.Message,
		},
		ObservedAt: m.observedAt,
	}
	if !m.observed.LastHandshake.IsZero() {
		st.Observed.HandshakeAge = m.observed.HandshakeAge(now)
	}
	if m.phase == PhaseConnected && !m.connectedSince.IsZero() {
		st.ConnectedSince = m.connectedSince
		st.Uptime = now.Sub(m.connectedSince)
	}
	if m.phase == PhaseReconnecting {
		st.Retrying = true
		st.Attempt = m.attempt
		if wait := m.nextRetryAt.Sub(now); wait > 0 {
			st.NextRetryIn = wait
		}
	}
	return st
}
