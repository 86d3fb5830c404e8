// Package wol wakes remote machines with Wake-on-LAN magic packets and
// tracks their reachability for the monitor loop.
package wol

import (
	"fmt"
	"net"
	"strings"
)

// PacketSize is the length of a magic packet: a six-byte sync stream
// followed by the target MAC repeated sixteen times.
const PacketSize = 6 + 16*6

// DefaultPort is the conventional Wake-on-LAN UDP port.
const DefaultPort = 9

// DefaultBroadcast is the limited broadcast address packets go to when a
// device has no subnet broadcast configured.
const DefaultBroadcast = "255.255.255.255"

// ParseMAC parses a hardware address in colon, dash, dot or bare-hex
// notation and requires the 6-byte EUI-48 form.
func ParseMAC(s string) (net.HardwareAddr, error) {
	trimmed := strings.TrimSpace(s)

	// Bare 12-digit form is common in BIOS screens and labels; stitch the
	// colons back in for net.ParseMAC.
	cleaned := strings.NewReplacer(":", "", "-", "", ".", "").Replace(trimmed)
	if len(cleaned) == 12 && !strings.ContainsAny(trimmed, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(cleaned[i : i+2])
		}
		trimmed = b.String()
	}

	hw, err := net.ParseMAC(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q: expected 6 bytes, got %d", s, len(hw))
	}
	return hw, nil
}

// FormatMAC renders a hardware address in the canonical uppercase
// colon-separated form.
func FormatMAC(hw net.HardwareAddr) string {
	return strings.ToUpper(hw.String())
}

// MagicPacket is the UDP payload that wakes a machine.
type MagicPacket [PacketSize]byte

// NewMagicPacket builds the payload for the given MAC address.
func NewMagicPacket(mac string) (MagicPacket, error) {
	var p MagicPacket

	hw, err := ParseMAC(mac)
	if err != nil {
		return p, err
	}

	for i := 0; i < 6; i++ {
		p[i] = 0xFF
	}
	for i := 0; i < 16; i++ {
		copy(p[6+i*6:], hw)
	}
	return p, nil
}
