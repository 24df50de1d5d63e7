package metadata

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"bastion/pkg/requestcontext"
)

// ClientMetadata extracts the client address, user agent and a request id and
// stores them in the context. Apply it before any security stage.
//
// The client address is the transport peer. Use a Resolver to honour
// forwarding headers set by trusted proxies.
func ClientMetadata(next http.Handler) http.Handler {
	return (&Resolver{}).ClientMetadata(next)
}

// GetClientIP retrieves the client IP address from the context.
func GetClientIP(ctx context.Context) string {
	return requestcontext.ClientIP(ctx)
}

// GetUserAgent retrieves the User-Agent from the context.
func GetUserAgent(ctx context.Context) string {
	return requestcontext.UserAgent(ctx)
}

// ClientIPFromRequest returns the transport peer address. Forwarding headers
// are ignored: any client can set them.
func ClientIPFromRequest(r *http.Request) string {
	if host := RemoteHost(r); host != "" {
		return host
	}
	return "unknown"
}

// RemoteHost returns the transport-level peer address without the port. The
// gateway appends this value to X-Forwarded-For.
func RemoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Resolver derives the client address from X-Forwarded-For or X-Real-IP, but
// only when the transport peer is one of the trusted proxies. The zero value
// trusts nobody.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses the trusted proxy list. Entries are CIDRs or bare
// addresses.
func NewResolver(trustedProxies []string) (*Resolver, error) {
	res := &Resolver{trusted: make([]netip.Prefix, 0, len(trustedProxies))}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			addr = addr.Unmap()
			res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		res.trusted = append(res.trusted, prefix.Masked())
	}
	return res, nil
}

// ClientIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. Every hop left of it was written by the
// client and is ignored.
func (res *Resolver) ClientIP(r *http.Request) string {
	peer := ClientIPFromRequest(r)
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil || !res.isTrusted(peerAddr) {
		return peer
	}

	hops := forwardedHops(r)
	if len(hops) == 0 {
		if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return xri.Unmap().String()
		}
		return peer
	}

	candidate := peerAddr
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(hops[i])
		if err != nil {
			break
		}
		hop = hop.Unmap()
		if !res.isTrusted(hop) {
			return hop.String()
		}
		candidate = hop
	}
	return candidate.String()
}

// ClientMetadata stores the resolved client address, the user agent and a
// request id in the context.
func (res *Resolver) ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), res.ClientIP(r), r.Header.Get("User-Agent"))

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = requestcontext.WithRequestID(ctx, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (res *Resolver) isTrusted(addr netip.Addr) bool {
	if res == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedHops flattens every X-Forwarded-For header into one hop list.
func forwardedHops(r *http.Request) []string {
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}
