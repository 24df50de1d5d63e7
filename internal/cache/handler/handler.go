// Package handler exposes the multi-level cache to operators: inspection,
// direct writes, invalidation and warming.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bastion/internal/cache/models"
	"bastion/internal/cache/service"
	"bastion/internal/cache/warmer"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
)

type Cache interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Size(ctx context.Context) (int, error)
	Levels() []models.Level
	Stats() service.Stats
}

type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	InvalidateAll(ctx context.Context) error
	Mode() models.InvalidationMode
}

type Warmer interface {
	Warm(ctx context.Context, keys []string) (warmer.Result, error)
}

type Handler struct {
	cache       Cache
	invalidator Invalidator
	warmer      Warmer
	defaultTTL  time.Duration
	logger      *slog.Logger
}

func New(cache Cache, invalidator Invalidator, w Warmer, defaultTTL time.Duration, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, invalidator: invalidator, warmer: w, defaultTTL: defaultTTL, logger: logger}
}

// RegisterAdmin mounts the endpoints on r. Callers guard r with admin auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/gateway/cache/stats", h.handleStats)
	r.Get("/gateway/cache/keys", h.handleKeys)
	r.Get("/gateway/cache/entries/{key}", h.handleGet)
	r.Put("/gateway/cache/entries/{key}", h.handleSet)
	r.Delete("/gateway/cache/entries/{key}", h.handleDelete)
	r.Post("/gateway/cache/invalidate", h.handleInvalidate)
	r.Post("/gateway/cache/warm", h.handleWarm)
}

type statsResponse struct {
	Levels           []string      `json:"levels"`
	Size             int           `json:"size"`
	InvalidationMode string        `json:"invalidation_mode"`
	Stats            service.Stats `json:"stats"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	size, err := h.cache.Size(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "cache size unavailable", "error", err)
		httputil.WriteError(w, err)
		return
	}
	levels := h.cache.Levels()
	names := make([]string, 0, len(levels))
	for _, l := range levels {
		names = append(names, l.String())
	}
	httputil.WriteJSON(w, http.StatusOK, statsResponse{
		Levels:           names,
		Size:             size,
		InvalidationMode: string(h.invalidator.Mode()),
		Stats:            h.cache.Stats(),
	})
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	keys, err := h.cache.Keys(r.Context(), pattern)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys, "total": len(keys)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var raw json.RawMessage
	found, err := h.cache.Get(r.Context(), key, &raw)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !found {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "no cache entry for %q", key))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"key": key, "value": raw})
}

type setRequest struct {
	Value      json.RawMessage `json:"value"`
	TTLSeconds *int64          `json:"ttl_seconds"`
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(req.Value) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "value is required"))
		return
	}
	ttl := h.defaultTTL
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "ttl_seconds must not be negative"))
			return
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}
	if err := h.cache.Set(r.Context(), key, req.Value, ttl); err != nil {
		h.logger.WarnContext(r.Context(), "cache write failed", "key", key, "error", err)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.invalidator.Invalidate(r.Context(), key); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
	All     bool   `json:"all"`
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	ctx := r.Context()
	switch {
	case req.All:
		if err := h.invalidator.InvalidateAll(ctx); err != nil {
			httputil.WriteError(w, err)
			return
		}
		h.logger.InfoContext(ctx, "cache cleared by operator")
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"cleared": true})
	case req.Pattern != "":
		n, err := h.invalidator.InvalidatePattern(ctx, req.Pattern)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		h.logger.InfoContext(ctx, "cache pattern invalidated", "pattern", req.Pattern, "keys", n)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"invalidated": n})
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "pattern or all is required"))
	}
}

type warmRequest struct {
	Keys []string `json:"keys"`
}

type warmResponse struct {
	Hit     int `json:"hit"`
	Loaded  int `json:"loaded"`
	Missing int `json:"missing"`
	Failed  int `json:"failed"`
}

func (h *Handler) handleWarm(w http.ResponseWriter, r *http.Request) {
	if h.warmer == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "cache warming is not enabled"))
		return
	}
	var req warmRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(req.Keys) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "keys are required"))
		return
	}
	res, err := h.warmer.Warm(r.Context(), req.Keys)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeTimeout, "warming interrupted"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, warmResponse{Hit: res.Hit, Loaded: res.Loaded, Missing: res.Missing, Failed: res.Failed})
}
