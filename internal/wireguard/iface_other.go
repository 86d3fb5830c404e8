//go:build !linux

package wireguard

import "net"

// interfaceExists reports whether the named interface exists. The stdlib
// returns an untyped error for unknown interfaces, so any lookup failure is
// treated as absence.
func interfaceExists(name string) (bool, error) {
	if _, err := net.InterfaceByName(name); err != nil {
		return false, nil
	}
	return true, nil
}

// interfaceAddrs returns the interface's addresses in CIDR notation.
func interfaceAddrs(name string) []string {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
