package ipfilter

import (
	"net/netip"
	"strings"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Kind says which list a rule belongs to.
type Kind string

const (
	KindAllow Kind = "allow"
	KindBlock Kind = "block"
)

func (k Kind) IsValid() bool { return k == KindAllow || k == KindBlock }

// Rule matches a single address or a CIDR range. A rule with ExpiresAt set
// is temporary and is ignored once that instant has passed.
type Rule struct {
	ID        string
	Kind      Kind
	Prefix    netip.Prefix
	Reason    string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ParsePrefix accepts either a bare address or CIDR notation and returns the
// masked prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid CIDR range")
		}
		return normalize(p).Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid IP address")
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func normalize(p netip.Prefix) netip.Prefix {
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	return p
}

// Active reports whether the rule applies at now.
func (r Rule) Active(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Matches reports whether addr falls inside the rule's range.
func (r Rule) Matches(addr netip.Addr) bool {
	return r.Prefix.Contains(addr.Unmap())
}

func (r Rule) Validate() error {
	if !r.Kind.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown rule kind %q", r.Kind)
	}
	if !r.Prefix.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "rule range is required")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(r.CreatedAt) {
		return dErrors.New(dErrors.CodeValidation, "rule must expire after it is created")
	}
	return nil
}
