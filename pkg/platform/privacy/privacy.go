// Package privacy reduces identifiers to forms that are safe to log.
package privacy

import (
	"net/netip"
	"strings"
)

// AnonymizeIP keeps the network prefix of an address: /24 for IPv4 and /48
// for IPv6. Unparseable input is returned as "invalid".
func AnonymizeIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "invalid"
	}
	bits := 24
	if addr.Is6() && !addr.Is4In6() {
		bits = 48
	}
	prefix, err := addr.Unmap().Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.String()
}

// MaskToken keeps the first four characters of a secret.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
