package api

import (
	"net/http"
)

// RegisterRoutes registers all endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Relay
	mux.HandleFunc("POST /v1/messages", h.Messages)
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("GET /v1/models", h.Models)

	// Observability
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /metrics", h.MetricsSummary)
	mux.HandleFunc("GET /metrics/recent", h.MetricsRecent)

	// Model pool
	mux.HandleFunc("GET /model-pool/status", h.PoolStatus)
	mux.HandleFunc("GET /model-pool/queue", h.PoolQueue)
	mux.HandleFunc("GET /model-pool/config", h.PoolConfig)
	mux.HandleFunc("POST /model-pool/reset-circuit-breakers", h.RequireAdmin(h.ResetCircuitBreakers))
	mux.HandleFunc("POST /model-pool/clear-queue", h.RequireAdmin(h.ClearQueue))

	// Endpoint groups
	mux.HandleFunc("GET /endpoint-groups/status", h.EndpointGroups)
	mux.HandleFunc("POST /endpoint-groups/reset-circuit-breakers", h.RequireAdmin(h.EndpointGroupsReset))

	// Provider registry
	mux.HandleFunc("GET /providers", h.ListProviders)
	mux.HandleFunc("POST /providers", h.RequireAdmin(h.CreateProvider))
	mux.HandleFunc("GET /providers/{id}", h.GetProvider)
	mux.HandleFunc("PUT /providers/{id}", h.RequireAdmin(h.UpdateProvider))
	mux.HandleFunc("DELETE /providers/{id}", h.RequireAdmin(h.DeleteProvider))
	mux.HandleFunc("POST /providers/{id}/toggle", h.RequireAdmin(h.ToggleProvider))
}
