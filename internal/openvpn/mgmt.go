package openvpn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// mgmtClient talks to one OpenVPN management interface. OpenVPN accepts a
// single management client at a time, so each query dials, runs its
// commands and closes again instead of holding the socket open.
type mgmtClient struct {
	addr    string
	timeout time.Duration
}

// mgmtStatus is the combined answer of the "state" and "status" commands.
type mgmtStatus struct {
	// State is OpenVPN's connection state name, e.g. CONNECTED, WAIT, AUTH.
	State       string
	Description string
	LocalIP     string
	RemoteIP    string
	RxBytes     int64
	TxBytes     int64
}

// Established reports whether OpenVPN considers the tunnel up.
func (s mgmtStatus) Established() bool {
	return s.State == "CONNECTED"
}

// Status queries the current state and traffic counters.
func (c *mgmtClient) Status(ctx context.Context) (mgmtStatus, error) {
	var st mgmtStatus
	err := c.run(ctx, []string{"state", "status"}, func(cmd, line string) {
		switch cmd {
		case "state":
			parseStateReply(line, &st)
		case "status":
			parseStatusReply(line, &st)
		}
	})
	return st, err
}

// SignalTerm asks OpenVPN to shut down cleanly. Errors after the command
// was written are expected: the process closes the socket while dying.
func (c *mgmtClient) SignalTerm(ctx context.Context) error {
	err := c.run(ctx, []string{"signal SIGTERM"}, func(string, string) {})
	if err != nil && !isConnReset(err) {
		return err
	}
	return nil
}

// run dials the management socket, executes commands in order and feeds
// every data line to handle. Replies end with END or SUCCESS:; real-time
// notifications (lines starting with ">") are skipped, including the
// greeting banner.
func (c *mgmtClient) run(ctx context.Context, commands []string, handle func(cmd, line string)) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial management: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	reader := bufio.NewReader(conn)
	for _, cmd := range commands {
		if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
			return fmt.Errorf("write %q: %w", cmd, err)
		}
		for {
			raw, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read reply to %q: %w", cmd, err)
			}
			line := strings.TrimSpace(raw)
			switch {
			case line == "END" || strings.HasPrefix(line, "SUCCESS:"):
			case strings.HasPrefix(line, "ERROR:"):
				return fmt.Errorf("management %q: %s", cmd, line)
			case strings.HasPrefix(line, ">"):
				continue
			default:
				handle(cmd, line)
				continue
			}
			break
		}
	}
	return nil
}

// parseStateReply parses a reply row of the "state" command, e.g.
//
//	1234567890,CONNECTED,SUCCESS,10.8.0.2,1.2.3.4
//
// The same format arrives as a real-time ">STATE:" notification; the prefix
// is tolerated so both sources share one parser.
func parseStateReply(line string, st *mgmtStatus) {
	line = strings.TrimPrefix(line, ">STATE:")
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return
	}
	st.State = parts[1]
	if len(parts) >= 3 {
		st.Description = parts[2]
	}
	if len(parts) >= 4 {
		st.LocalIP = parts[3]
	}
	if len(parts) >= 5 {
		st.RemoteIP = parts[4]
	}
}

// parseStatusReply parses a row of the client-mode "status" output, e.g.
//
//	TCP/UDP read bytes,12345
func parseStatusReply(line string, st *mgmtStatus) {
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return
	}
	switch parts[0] {
	case "TCP/UDP read bytes":
		st.RxBytes = n
	case "TCP/UDP write bytes":
		st.TxBytes = n
	}
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") || strings.Contains(msg, "EOF")
}
