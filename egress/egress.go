// Package egress contains the handlers that deliver the messages
// out of the process. They buffer their output and flush it
// at the end of each batch.
package egress

import (
	"fmt"
	"net/netip"
)

func parseAddrPort(ipAddr string, port uint16) (netip.AddrPort, error) {
	parsedAddr, err := netip.ParseAddr(ipAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("egress: invalid address %q: %w", ipAddr, err)
	}

	return netip.AddrPortFrom(parsedAddr, port), nil
}
