package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/platform/privacy"
)

// Resetter clears a client's default bucket.
type Resetter interface {
	Reset(ctx context.Context, client string) error
	Degraded() bool
}

// Handler exposes operator endpoints for the rate limiter.
type Handler struct {
	limiter Resetter
	logger  *slog.Logger
}

func New(limiter Resetter, logger *slog.Logger) *Handler {
	return &Handler{limiter: limiter, logger: logger}
}

// RegisterAdmin mounts the endpoints on r. Callers guard r with admin auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/gateway/rate-limits/status", h.HandleStatus)
	r.Delete("/gateway/rate-limits/{client}", h.HandleReset)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"degraded": h.limiter.Degraded()})
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	client := chi.URLParam(r, "client")
	if net.ParseIP(client) == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "client must be an IP address"))
		return
	}
	if err := h.limiter.Reset(r.Context(), client); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to reset rate limit", "error", err, "ip_prefix", privacy.AnonymizeIP(client))
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "rate limit reset", "ip_prefix", privacy.AnonymizeIP(client))
	w.WriteHeader(http.StatusNoContent)
}
