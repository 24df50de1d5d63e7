package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes holds everything the root router is assembled from.
type Routes struct {
	// Own serves /health and /gateway/*.
	Own *Handler
	// Metrics serves the Prometheus exposition on /metrics.
	Metrics http.Handler
	// Admin wraps the operator endpoints, typically with a token check.
	Admin func(http.Handler) http.Handler
	// AdminRoutes register operator endpoints such as IP rules.
	AdminRoutes []func(chi.Router)
	// Edge receives every request not claimed above; it is the security
	// pipeline around the proxy.
	Edge http.Handler
	// Common wraps the gateway's own endpoints, e.g. recovery and headers.
	Common []func(http.Handler) http.Handler
}

// NewRouter assembles the root router.
func NewRouter(cfg Routes) http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(cfg.Common...)
		if cfg.Own != nil {
			cfg.Own.Register(r)
		}
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}
		if len(cfg.AdminRoutes) > 0 {
			r.Group(func(r chi.Router) {
				if cfg.Admin != nil {
					r.Use(cfg.Admin)
				}
				for _, register := range cfg.AdminRoutes {
					register(r)
				}
			})
		}
	})

	if cfg.Edge != nil {
		r.NotFound(cfg.Edge.ServeHTTP)
		r.MethodNotAllowed(cfg.Edge.ServeHTTP)
	}
	return r
}
