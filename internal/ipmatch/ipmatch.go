// Package ipmatch provides the CIDR/IP whitelist matching shared by the
// analyzer engine's whitelist suppression step. IPv4/IPv6 family handling
// and single-IP-to-prefix normalization follow the same approach as the
// decision-layer IP helpers elsewhere in this module.
package ipmatch

import "net/netip"

// Whitelist is a compiled set of CIDR ranges. Bare IPs are normalized to
// single-address prefixes so an exact IP entry matches only that address.
type Whitelist struct {
	prefixes []netip.Prefix
}

// Parse compiles a whitelist from a list of IP/CIDR strings. Entries that
// fail to parse are skipped; they never suppress anything (the analyzer
// does not abort on a malformed whitelist entry).
func Parse(entries []string) *Whitelist {
	w := &Whitelist{}
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			w.prefixes = append(w.prefixes, p)
			continue
		}
		if addr, err := netip.ParseAddr(e); err == nil {
			w.prefixes = append(w.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return w
}

// Contains reports whether ip falls inside any whitelist entry of the same
// address family. Cross-family comparisons never match.
func (w *Whitelist) Contains(ip string) bool {
	if w == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range w.prefixes {
		if p.Addr().Is4() == addr.Is4() && p.Contains(addr) {
			return true
		}
	}
	return false
}
