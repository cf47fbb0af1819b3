package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/internal/config"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// MetricsSummary handles GET /metrics?timeWindow=&provider=.
func (h *Handler) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("timeWindow"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			// Bare numbers are minutes, matching the dashboard's query form.
			if mins, merr := strconv.Atoi(raw); merr == nil {
				parsed = time.Duration(mins) * time.Minute
			} else {
				h.writeError(w, llmerrors.NewInvalidRequest("", "invalid timeWindow"))
				return
			}
		}
		window = parsed
	}
	provider := r.URL.Query().Get("provider")
	h.writeJSON(w, http.StatusOK, h.tracker.Aggregate(window, provider))
}

// MetricsRecent handles GET /metrics/recent?limit=.
func (h *Handler) MetricsRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, llmerrors.NewInvalidRequest("", "invalid limit"))
			return
		}
		limit = parsed
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"records": h.tracker.Recent(limit),
	})
}

// PoolStatus handles GET /model-pool/status.
func (h *Handler) PoolStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"slots": h.pool.Snapshot(),
	})
}

// PoolQueue handles GET /model-pool/queue.
func (h *Handler) PoolQueue(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"queues": h.pool.QueueSnapshot(),
	})
}

// PoolConfig handles GET /model-pool/config.
func (h *Handler) PoolConfig(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg().ModelPool)
}

// ResetCircuitBreakers handles POST /model-pool/reset-circuit-breakers.
func (h *Handler) ResetCircuitBreakers(w http.ResponseWriter, _ *http.Request) {
	reset := h.pool.ResetCircuitBreakers()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"reset":  reset,
	})
}

// ClearQueue handles POST /model-pool/clear-queue.
func (h *Handler) ClearQueue(w http.ResponseWriter, _ *http.Request) {
	cleared := h.pool.ClearQueue()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cleared": cleared,
	})
}

// EndpointGroups handles GET /endpoint-groups/status.
func (h *Handler) EndpointGroups(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": h.endpoints.Enabled(),
		"groups":  h.endpoints.Snapshot(),
	})
}

// EndpointGroupsReset handles POST /endpoint-groups/reset-circuit-breakers.
func (h *Handler) EndpointGroupsReset(w http.ResponseWriter, _ *http.Request) {
	reset := h.endpoints.ResetCircuitBreakers()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"reset":  reset,
	})
}

// ListProviders handles GET /providers.
func (h *Handler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.registry.List(),
	})
}

// CreateProvider handles POST /providers.
func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.decodeProvider(w, r)
	if !ok {
		return
	}
	p, err := h.registry.Add(cfg)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	h.registerEndpointProvider(p.BaseURL, p.Name)
	h.writeJSON(w, http.StatusCreated, p)
}

// GetProvider handles GET /providers/{id}.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.GetByID(r.PathValue("id"))
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// UpdateProvider handles PUT /providers/{id}.
func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.decodeProvider(w, r)
	if !ok {
		return
	}
	p, err := h.registry.Update(r.PathValue("id"), cfg)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	h.registerEndpointProvider(p.BaseURL, p.Name)
	h.writeJSON(w, http.StatusOK, p)
}

// DeleteProvider handles DELETE /providers/{id}.
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.PathValue("id")); err != nil {
		h.writeRelayError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ToggleProvider handles POST /providers/{id}/toggle.
func (h *Handler) ToggleProvider(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.registry.Toggle(r.PathValue("id"))
	if err != nil {
		h.writeRelayError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"enabled": enabled,
	})
}

func (h *Handler) decodeProvider(w http.ResponseWriter, r *http.Request) (*config.ProviderConfig, bool) {
	defer func() { _ = r.Body.Close() }()
	var cfg config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, llmerrors.NewInvalidRequest("", "invalid provider spec: "+err.Error()))
		return nil, false
	}
	if cfg.Name == "" || cfg.BaseURL == "" {
		h.writeError(w, llmerrors.NewInvalidRequest("", "provider name and base_url are required"))
		return nil, false
	}
	return &cfg, true
}

func (h *Handler) registerEndpointProvider(baseURL, name string) {
	if h.endpoints.Enabled() {
		h.endpoints.RegisterProvider(baseURL, name)
	}
}
