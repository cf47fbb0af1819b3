// Package headers assembles the final header map for upstream requests,
// including dialect-family overlays, session tracking and optional request
// signing.
package headers

import (
	"strings"

	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Version is stamped into the iflow-family client headers.
const Version = "0.1.0"

// Builder produces upstream header maps. Keys are stored as given; custom
// headers deduplicate case-insensitively with last write winning.
type Builder struct {
	signers map[string]*Signer
}

// NewBuilder creates a header builder with no signers registered.
func NewBuilder() *Builder {
	return &Builder{signers: make(map[string]*Signer)}
}

// RegisterSigner installs a per-family signing recipe.
func (b *Builder) RegisterSigner(family string, s *Signer) {
	b.signers[strings.ToLower(family)] = s
}

// Build assembles the headers for one upstream attempt. It is called again
// on every retry so signed timestamps stay within the verification window.
func (b *Builder) Build(rctx *types.RequestContext, p *provider.Provider, apiKey string) map[string]string {
	h := newHeaderMap()

	h.set("Content-Type", "application/json")
	h.set("Authorization", "Bearer "+apiKey)
	h.set("X-Request-ID", rctx.RequestID)

	if p.IflowFamily() {
		h.set("user-agent", "llmrelay/"+Version)
		h.set("x-client-type", "relay")
		h.set("x-client-version", Version)
		if rctx.SessionID != "" {
			h.set("session-id", rctx.SessionID)
		}
		if rctx.ConversationID != "" {
			h.set("conversation-id", rctx.ConversationID)
		}
		// The iflow family rejects the SSE accept header even on streamed
		// responses.
		h.set("Accept", "application/json")
	} else {
		if rctx.SessionID != "" {
			h.set("Session-Id", rctx.SessionID)
		}
		if rctx.ConversationID != "" {
			h.set("Conversation-Id", rctx.ConversationID)
		}
		if rctx.Streaming {
			h.set("Accept", "text/event-stream")
		}
	}

	// Custom headers last; case-insensitive last-write-wins.
	for k, v := range p.Headers {
		h.set(k, v)
	}

	if signer, ok := b.signers[strings.ToLower(p.Kind)]; ok {
		signer.Sign(h, apiKey)
	}

	return h.flatten()
}

// headerMap is a case-insensitive header accumulator preserving the original
// key spelling of the last write.
type headerMap struct {
	values map[string]string // lower-cased key -> value
	names  map[string]string // lower-cased key -> original spelling
}

func newHeaderMap() *headerMap {
	return &headerMap{
		values: make(map[string]string),
		names:  make(map[string]string),
	}
}

func (h *headerMap) set(key, value string) {
	lower := strings.ToLower(key)
	h.values[lower] = value
	h.names[lower] = key
}

func (h *headerMap) get(key string) string {
	return h.values[strings.ToLower(key)]
}

func (h *headerMap) flatten() map[string]string {
	out := make(map[string]string, len(h.values))
	for lower, value := range h.values {
		out[h.names[lower]] = value
	}
	return out
}
