package ftpd

import (
	"net"
	"net/netip"
)

// netipFromTCPAddr converts a *net.TCPAddr into a netip.Addr, the type
// auth.IPRestricted compares allow-listed prefixes against.
func netipFromTCPAddr(addr *net.TCPAddr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
