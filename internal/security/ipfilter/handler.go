package ipfilter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
)

// RuleService is what the admin endpoints need from Service.
type RuleService interface {
	Rules() []Rule
	AddRule(ctx context.Context, req AddRuleRequest) (Rule, error)
	RemoveRule(ctx context.Context, id string) error
}

// Handler exposes IP rule administration.
type Handler struct {
	rules  RuleService
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(rules RuleService, logger *slog.Logger) *Handler {
	return &Handler{rules: rules, logger: logger, now: time.Now}
}

// Register mounts the admin endpoints. Callers wrap r with admin auth.
func (h *Handler) Register(r chi.Router) {
	r.Get("/gateway/ip-rules", h.handleList)
	r.Post("/gateway/ip-rules", h.handleAdd)
	r.Delete("/gateway/ip-rules/{id}", h.handleRemove)
}

type ruleResponse struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	CIDR      string     `json:"cidr"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

type listResponse struct {
	Rules []ruleResponse `json:"rules"`
	Total int            `json:"total"`
}

type addRequest struct {
	Kind       Kind   `json:"kind"`
	CIDR       string `json:"cidr"`
	Reason     string `json:"reason"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.Rules()
	now := h.now()
	resp := listResponse{Rules: make([]ruleResponse, 0, len(rules)), Total: len(rules)}
	for _, rule := range rules {
		resp.Rules = append(resp.Rules, toResponse(rule, now))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.TTLSeconds < 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "ttl_seconds must not be negative"))
		return
	}
	rule, err := h.rules.AddRule(r.Context(), AddRuleRequest{
		Kind:   req.Kind,
		CIDR:   req.CIDR,
		Reason: req.Reason,
		TTL:    time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to add ip rule", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(rule, h.now()))
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.RemoveRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toResponse(r Rule, now time.Time) ruleResponse {
	return ruleResponse{
		ID:        r.ID,
		Kind:      r.Kind,
		CIDR:      r.Prefix.String(),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Active:    r.Active(now),
	}
}
