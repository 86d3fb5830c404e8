//go:build linux

package wireguard

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

// interfaceExists reports whether the named link exists. A missing link is
// not an error; anything else from netlink is.
func interfaceExists(name string) (bool, error) {
	if _, err := netlink.LinkByName(name); err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up interface %s: %w", name, err)
	}
	return true, nil
}

// interfaceAddrs returns the link's addresses in CIDR notation. Lookup
// failures yield an empty list; addresses are best-effort detail.
func interfaceAddrs(name string) []string {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IPNet != nil {
			out = append(out, addr.IPNet.String())
		}
	}
	return out
}
