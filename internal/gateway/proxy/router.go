package proxy

import (
	"regexp"
	"slices"
	"strings"

	dErrors "bastion/pkg/domain-errors"
)

// PrefixRoute sends every path under Prefix to Service.
type PrefixRoute struct {
	Prefix  string
	Service string
}

// Target is a resolved route.
type Target struct {
	Service string
	// Path is the path forwarded upstream.
	Path string
}

var versioned = regexp.MustCompile(`^/api/v[0-9]+/([a-z0-9][a-z0-9-]*)(/.*)?$`)

// Router maps request paths to services. Prefix routes are matched first,
// longest prefix winning; otherwise /api/v{n}/{name}/... maps to
// {name}-service.
type Router struct {
	routes []PrefixRoute
	strip  bool
}

// NewRouter validates routes. With strip set, the matched prefix is removed
// from the forwarded path.
func NewRouter(routes []PrefixRoute, strip bool) (*Router, error) {
	out := make([]PrefixRoute, 0, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") || r.Service == "" {
			return nil, dErrors.Newf(dErrors.CodeValidation, "invalid route %q -> %q", r.Prefix, r.Service)
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b PrefixRoute) int { return len(b.Prefix) - len(a.Prefix) })
	return &Router{routes: out, strip: strip}, nil
}

// Resolve returns the target for path or false when nothing matches.
func (rt *Router) Resolve(path string) (Target, bool) {
	for _, r := range rt.routes {
		if !underPrefix(path, r.Prefix) {
			continue
		}
		return Target{Service: r.Service, Path: rt.forward(path, path[len(r.Prefix):])}, true
	}

	m := versioned.FindStringSubmatch(path)
	if m == nil {
		return Target{}, false
	}
	return Target{Service: m[1] + "-service", Path: rt.forward(path, m[2])}, true
}

func (rt *Router) forward(full, tail string) string {
	if !rt.strip {
		return full
	}
	if !strings.HasPrefix(tail, "/") {
		tail = "/" + tail
	}
	return tail
}

// underPrefix matches whole segments: /docs matches /docs and /docs/x but
// not /docsearch.
func underPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
