// Package session derives session and conversation identity from inbound
// requests and serves the advisory session→project lookup.
package session

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Priority values mapped from the x-ccr-priority header.
const (
	PriorityHigh   = 10
	PriorityNormal = 0
	PriorityLow    = -10
)

// Identity is the session-scoped identity of one request.
type Identity struct {
	RequestID      string
	SessionID      string
	ConversationID string
	Priority       int
}

// Derive extracts identity from request headers. A request id is always
// generated when absent.
func Derive(r *http.Request) Identity {
	id := Identity{
		RequestID:      headerAny(r, "X-Request-ID"),
		SessionID:      headerAny(r, "x-session-id", "session-id"),
		ConversationID: headerAny(r, "x-conversation-id", "conversation-id"),
		Priority:       ParsePriority(r.Header.Get("x-ccr-priority")),
	}
	if id.RequestID == "" {
		id.RequestID = uuid.New().String()
	}
	return id
}

// ParsePriority maps the priority tag to its numeric value. Unknown tags are
// normal priority.
func ParsePriority(tag string) int {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// RaceSuffix returns id with a fresh random suffix. Race participants of
// session-exclusive provider families each get their own suffixed identity so
// concurrent racers never share a provider-side session.
func RaceSuffix(id string) string {
	if id == "" {
		id = uuid.New().String()
	}
	return id + "-" + uuid.New().String()[:8]
}

func headerAny(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
