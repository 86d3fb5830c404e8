package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker reports whether a TCP endpoint accepts connections. Besides
// device probes it backs the RDP launcher's port pre-check.
type TCPChecker struct {
	addr    string
	timeout time.Duration
}

// NewTCPChecker builds a checker for cfg.Target in "host:port" form.
func NewTCPChecker(cfg Config) *TCPChecker {
	c := &TCPChecker{addr: cfg.Target, timeout: cfg.Timeout}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	return c
}

// Check dials the endpoint once and closes the connection immediately.
func (c *TCPChecker) Check(ctx context.Context) Result {
	// One-shot probe, no keep-alive.
	dialer := net.Dialer{Timeout: c.timeout, KeepAlive: -1}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	res := Result{Latency: time.Since(start), Timestamp: time.Now()}

	if err != nil {
		res.Message = "tcp dial failed"
		res.Error = err.Error()
		return res
	}
	conn.Close()

	res.Healthy = true
	res.Message = "tcp port open"
	return res
}

// Type returns "tcp".
func (c *TCPChecker) Type() string {
	return "tcp"
}
