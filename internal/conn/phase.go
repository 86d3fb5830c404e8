// Package conn implements the per-connection state machine that reconciles
// desired connection state (user intent) with observed state (probes and
// process events).
package conn

// Phase is the lifecycle phase of a connection.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseDisconnecting Phase = "disconnecting"
	PhaseReconnecting  Phase = "reconnecting"
	PhaseFailed        Phase = "failed"
)

// Phases lists every lifecycle phase in display order.
func Phases() []Phase {
	return []Phase{
		PhaseDisconnected,
		PhaseConnecting,
		PhaseConnected,
		PhaseDisconnecting,
		PhaseReconnecting,
		PhaseFailed,
	}
}

// Active reports whether the phase involves a live or pending tunnel.
func (p Phase) Active() bool {
	switch p {
	case PhaseConnecting, PhaseConnected, PhaseDisconnecting, PhaseReconnecting:
		return true
	default:
		return false
	}
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}
