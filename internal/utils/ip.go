package utils

import (
	"net/netip"

	"go4.org/netipx"
)

// ParsePrefix accepts a CIDR or a bare address, which becomes a host prefix.
func ParsePrefix(s string) (netip.Prefix, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

// PrefixSize returns the number of addresses in a prefix, saturating at
// 1<<63 for very large IPv6 prefixes.
func PrefixSize(p netip.Prefix) uint64 {
	host := p.Addr().BitLen() - p.Bits()
	if host >= 64 {
		return 1 << 63
	}
	return 1 << host
}

// Expand lists every address of p in order. Use with caution on large
// networks.
func Expand(p netip.Prefix) []netip.Addr {
	r := netipx.RangeOfPrefix(p.Masked())
	var addrs []netip.Addr
	for addr := r.From(); r.Contains(addr); addr = addr.Next() {
		addrs = append(addrs, addr)
		if addr == r.To() {
			break
		}
	}
	return addrs
}
