package orchestrator

import (
	"fmt"
	"net/netip"
)

// ipPool hands out addresses of a subnet. The network address and the
// first host (the bridge gateway) are never assigned.
type ipPool struct {
	prefix netip.Prefix
	used   map[netip.Addr]bool
	next   netip.Addr
}

func newIPPool(subnet string) (*ipPool, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return nil, fmt.Errorf("subnet %s must be an IPv4 network of at least 4 addresses", prefix)
	}

	gateway := prefix.Addr().Next()
	return &ipPool{
		prefix: prefix,
		used:   map[netip.Addr]bool{prefix.Addr(): true, gateway: true},
		next:   gateway.Next(),
	}, nil
}

// reserve marks ip as taken. Addresses outside the subnet or already taken
// are refused.
func (p *ipPool) reserve(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !p.prefix.Contains(addr) || p.used[addr] || p.broadcast(addr) {
		return false
	}
	p.used[addr] = true
	return true
}

// allocate returns the lowest free address
func (p *ipPool) allocate() (string, error) {
	for addr := p.next; p.prefix.Contains(addr) && !p.broadcast(addr); addr = addr.Next() {
		if !p.used[addr] {
			p.used[addr] = true
			p.next = addr.Next()
			return addr.String(), nil
		}
	}
	return "", fmt.Errorf("subnet %s has no free address", p.prefix)
}

func (p *ipPool) broadcast(addr netip.Addr) bool {
	return !p.prefix.Contains(addr.Next())
}
