package netif

import "net"

// InterfaceAddr is one IPv6 address record on the agent's interface, as
// reported by the address controller.
type InterfaceAddr struct {
	IP        net.IP
	PrefixLen int
	// Dynamic is set for stateful (DHCPv6-assigned) addresses. SLAAC and
	// manually configured addresses report false.
	Dynamic bool
}

// Classify picks the authoritative global address out of the interface's
// address records, or nil if none qualifies.
//
// Both SLAAC and DHCPv6-stateful addresses may coexist on the interface and
// only the stateful one is authoritative for routing decisions, so the
// rules are:
//   - link-local (fe80::/10) and unique-local (fc00::/7) entries are skipped
//   - /64 entries are skipped (SLAAC-style, derived from the advertised
//     prefix rather than centrally allocated)
//   - among the remainder, a dynamically assigned address wins over any
//     manually present one; ties go to the first record
func Classify(addrs []InterfaceAddr) *InterfaceAddr {
	var fallback *InterfaceAddr

	for i := range addrs {
		a := &addrs[i]
		if a.IP == nil || a.IP.To4() != nil {
			continue
		}
		if a.IP.IsLinkLocalUnicast() || isUniqueLocal(a.IP) {
			continue
		}
		if a.PrefixLen == 64 {
			continue
		}
		if a.Dynamic {
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}

	return fallback
}

// isUniqueLocal reports whether ip is in fc00::/7.
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}
	return ip[0]&0xfe == 0xfc
}
