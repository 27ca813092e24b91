package validate

import (
	"net/netip"
	"strings"
)

// NormalizeIP returns the canonical text form of a literal address.
// IPv4-mapped IPv6 addresses collapse to IPv4.
func NormalizeIP(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil || addr.Zone() != "" {
		return "", false
	}
	return addr.Unmap().String(), true
}
