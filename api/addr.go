package api

import (
	"fmt"
	"net/netip"
)

// Addr is a remote or local endpoint as the radio module understands it:
// an IP address plus a port. Hostnames must be resolved through
// Netdever.GetHostByName first; the module's socket commands take literal
// addresses only.
type Addr struct {
	IP   netip.Addr
	Port uint16
}

// AddrFrom builds an Addr from a dotted-quad (or RFC 5952 v6) literal.
func AddrFrom(ip string, port uint16) (Addr, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", ip, err)
	}
	return Addr{IP: a, Port: port}, nil
}

// IsValid reports whether the address names a reachable peer: a non-zero
// host and a non-zero port.
func (a Addr) IsValid() bool {
	return a.IP.IsValid() && !a.IP.IsUnspecified() && a.Port != 0
}

func (a Addr) String() string {
	if !a.IP.IsValid() {
		return ":0"
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}
