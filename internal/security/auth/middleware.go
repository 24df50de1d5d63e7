package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"bastion/internal/audit"
	"bastion/internal/security/metrics"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

type principalKey struct{}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return requestcontext.WithUserID(ctx, p.Subject)
}

// Guard requires a valid bearer token on protected path prefixes. Other
// paths pass through untouched.
type Guard struct {
	provider Provider
	prefixes []string
	realm    string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    audit.Emitter
}

type GuardOption func(*Guard)

func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

func WithAudit(e audit.Emitter) GuardOption {
	return func(g *Guard) { g.audit = e }
}

func WithRealm(realm string) GuardOption {
	return func(g *Guard) { g.realm = realm }
}

func NewGuard(provider Provider, prefixes []string, logger *slog.Logger, opts ...GuardOption) *Guard {
	g := &Guard{provider: provider, prefixes: prefixes, realm: "bastion", logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protects reports whether path needs a token.
func (g *Guard) Protects(path string) bool {
	for _, p := range g.prefixes {
		base := strings.TrimSuffix(p, "/")
		if path == base || strings.HasPrefix(path, base+"/") {
			return true
		}
	}
	return false
}

func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			g.reject(w, r, "missing_token", "", "Missing or invalid Authorization header")
			return
		}
		principal, err := g.provider.Validate(ctx, strings.TrimSpace(token))
		if err != nil {
			msg := "Invalid or expired token"
			if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeUnauthorized {
				msg = de.Message
			} else {
				g.logger.ErrorContext(ctx, "auth provider failed", "error", err)
				g.metrics.IncrementPipelineError("auth")
				httputil.WriteError(w, err)
				return
			}
			g.reject(w, r, "invalid_token", "invalid_token", msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
	})
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, reason, bearerErr, msg string) {
	ctx := r.Context()
	g.logger.WarnContext(ctx, "unauthorized access",
		"reason", reason,
		"path", r.URL.Path,
		"request_id", requestcontext.RequestID(ctx),
	)
	g.metrics.IncrementAuthFailure(reason)
	audit.LogAudit(ctx, g.audit, audit.FromRequest(r, audit.ActionAuthFailed, audit.SeverityWarning, reason))

	challenge := `Bearer realm="` + g.realm + `"`
	if bearerErr != "" {
		challenge += `, error="` + bearerErr + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, msg))
}
