// Package api provides the HTTP surface: the relay endpoints, the model
// list, health, metrics, and the management plane.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/dispatch"
	"github.com/blueberrycongee/llmrelay/internal/endpoint"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/pool"
	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/internal/router"
	"github.com/blueberrycongee/llmrelay/internal/session"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Handler serves all HTTP endpoints.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	pool       *pool.Pool
	endpoints  *endpoint.Manager
	registry   *provider.Registry
	tracker    *metrics.Tracker
	cfg        func() *config.Config
	logger     *slog.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(d *dispatch.Dispatcher, rt *router.Router, p *pool.Pool, eps *endpoint.Manager, reg *provider.Registry, tracker *metrics.Tracker, cfg func() *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		router:     rt,
		pool:       p,
		endpoints:  eps,
		registry:   reg,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger,
	}
}

// Messages handles POST /v1/messages (Anthropic-dialect ingress).
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "anthropic")
}

// ChatCompletions handles POST /v1/chat/completions (OpenAI-dialect
// ingress).
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "openai")
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request, ingressDialect string) {
	start := time.Now()
	maxBody := h.cfg().Server.MaxBodyBytes

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		h.writeError(w, llmerrors.NewInvalidRequest("", "failed to read request body"))
		return
	}
	defer func() { _ = r.Body.Close() }()
	if int64(len(body)) > maxBody {
		h.writeError(w, llmerrors.NewContentTooLarge("", "request body too large"))
		return
	}

	req := &types.ChatRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		h.writeError(w, llmerrors.NewInvalidRequest("", "invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, llmerrors.NewInvalidRequest("", "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, llmerrors.NewInvalidRequest("", "messages is required"))
		return
	}

	id := session.Derive(r)
	rctx := &types.RequestContext{
		RequestID:      id.RequestID,
		SessionID:      id.SessionID,
		ConversationID: id.ConversationID,
		Priority:       id.Priority,
		IngressDialect: ingressDialect,
		Streaming:      req.Stream,
		StartTime:      start,
	}
	rctx.LogStage("ingress", r.URL.Path)

	plan, err := h.router.Route(req, rctx.Priority)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}

	if err := h.dispatcher.Handle(r.Context(), w, req, rctx, plan); err != nil {
		h.logger.Error("dispatch failed",
			"request_id", rctx.RequestID, "provider", rctx.Provider,
			"model", rctx.Model, "error", err)
		h.writeRelayError(w, err)
	}
}

// Models handles GET /v1/models: the registry's models plus the synthetic
// custom-model alias, OpenAI-shaped.
func (h *Handler) Models(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	now := time.Now().Unix()
	entries := []modelEntry{{
		ID:      router.CustomModelAlias,
		Object:  "model",
		Created: now,
		OwnedBy: "llmrelay",
	}}
	for _, name := range h.registry.ModelNames() {
		entries = append(entries, modelEntry{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "llmrelay",
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   entries,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// errorBody is the user-visible error shape.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err *llmerrors.ProviderError) {
	h.writeJSON(w, err.HTTPStatusCode(), errorBody{Error: err.Message, Code: err.Code})
}

// writeRelayError renders any dispatch error, normalizing non-provider
// errors to an unknown 500.
func (h *Handler) writeRelayError(w http.ResponseWriter, err error) {
	if rw, ok := w.(*statusRecorder); ok && rw.wrote {
		// Headers are already on the wire (streaming); the stream manager
		// emitted the in-band error frame.
		return
	}
	var provErr *llmerrors.ProviderError
	if errors.As(err, &provErr) {
		h.writeError(w, provErr)
		return
	}
	h.writeError(w, llmerrors.NewUnknown("", err.Error(), 0))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("write response", "error", err)
	}
}
