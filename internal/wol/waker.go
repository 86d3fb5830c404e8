package wol

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/logging"
)

// Waker emits magic packets. Packets always go to the broadcast address;
// when the device has a host configured they are additionally sent to it
// directly, which survives routers that drop limited broadcasts.
type Waker struct {
	logger *slog.Logger
}

// NewWaker returns a ready Waker.
func NewWaker() *Waker {
	return &Waker{logger: logging.WithComponent("wol")}
}

// Wake sends the magic packet for a device. Both the broadcast and the
// direct send are attempted; Wake fails only when no packet went out.
func (w *Waker) Wake(ctx context.Context, device config.DeviceConfig) error {
	packet, err := NewMagicPacket(device.MAC)
	if err != nil {
		return err
	}

	port := device.Port
	if port == 0 {
		port = DefaultPort
	}
	broadcast := device.Broadcast
	if broadcast == "" {
		broadcast = DefaultBroadcast
	}

	// One socket for both sends, like a plain sendto loop. The Go runtime
	// enables SO_BROADCAST on UDP sockets, so the limited broadcast
	// address works without extra socket options.
	sock, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("failed to open UDP socket: %w", err)
	}
	defer sock.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = sock.SetWriteDeadline(deadline)
	}

	var sent int
	var lastErr error

	bcastAddr := &net.UDPAddr{IP: net.ParseIP(broadcast), Port: port}
	if bcastAddr.IP == nil {
		lastErr = fmt.Errorf("invalid broadcast address: %s", broadcast)
	} else if _, err := sock.WriteTo(packet[:], bcastAddr); err != nil {
		lastErr = fmt.Errorf("broadcast send failed: %w", err)
		w.logger.Debug("wol broadcast send failed", "device", device.Name, "error", err)
	} else {
		sent++
	}

	if device.Host != "" && device.Host != broadcast {
		addr, err := resolveUDP(ctx, device.Host, port)
		if err != nil {
			lastErr = err
			w.logger.Debug("wol direct resolve failed", "device", device.Name, "host", device.Host, "error", err)
		} else if _, err := sock.WriteTo(packet[:], addr); err != nil {
			lastErr = fmt.Errorf("direct send failed: %w", err)
			w.logger.Debug("wol direct send failed", "device", device.Name, "error", err)
		} else {
			sent++
		}
	}

	if sent == 0 {
		return fmt.Errorf("failed to wake %s: %w", device.Name, lastErr)
	}

	w.logger.Info("magic packet sent",
		"device", device.Name,
		"mac", device.MAC,
		"packets", sent,
		"port", port)
	return nil
}

func resolveUDP(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return &net.UDPAddr{IP: addrs[0].IP, Port: port, Zone: addrs[0].Zone}, nil
}
