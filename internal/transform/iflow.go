package transform

import (
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Iflow is the iflow-family dialect. The wire format is OpenAI-shaped, but
// the family carries session identity in the request body, rejects the SSE
// accept header, and authorizes through its own hook when the chain is
// bypassed.
type Iflow struct{}

// Name implements Transformer.
func (*Iflow) Name() string { return "iflow" }

// TransformRequestIn stamps the session identity into the outbound body.
// Race participants get a freshly suffixed session upstream of this call, so
// concurrent racers never share a provider-side session.
func (*Iflow) TransformRequestIn(req *types.ChatRequest, rctx *types.RequestContext) (*types.ChatRequest, Config, error) {
	out := req.Clone()
	if out.Extra == nil {
		out.Extra = make(map[string]json.RawMessage)
	}
	if rctx.SessionID != "" {
		raw, err := json.Marshal(rctx.SessionID)
		if err != nil {
			return nil, nil, err
		}
		out.Extra["session_id"] = raw
	}
	if rctx.ConversationID != "" {
		raw, err := json.Marshal(rctx.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		out.Extra["conversation_id"] = raw
	}
	return out, Config{"accept": "application/json"}, nil
}

// TransformResponseOut implements ResponseOut; the body is already
// OpenAI-shaped.
func (*Iflow) TransformResponseOut(body []byte, _ *types.RequestContext) ([]byte, error) {
	return body, nil
}

// AuthHeaders implements Auth for the bypass path.
func (*Iflow) AuthHeaders(rctx *types.RequestContext, apiKey string) (map[string]string, error) {
	h := map[string]string{
		"Authorization": "Bearer " + apiKey,
		"Accept":        "application/json",
	}
	if rctx.SessionID != "" {
		h["session-id"] = rctx.SessionID
	}
	if rctx.ConversationID != "" {
		h["conversation-id"] = rctx.ConversationID
	}
	return h, nil
}
