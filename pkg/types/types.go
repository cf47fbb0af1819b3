// Package types defines core data structures for relay requests and responses.
// The unified format is OpenAI-compatible; dialect transformers convert to and
// from provider-native payloads.
package types //nolint:revive // package name is intentional

import (
	"time"

	"github.com/goccy/go-json"
)

// ChatRequest is the unified chat completion request. Unknown fields are
// captured into Extra so provider-specific parameters survive the relay
// unchanged.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []ChatMessage   `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
	User          string          `json:"user,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
	Reasoning     json.RawMessage `json:"reasoning,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	StreamOptions json.RawMessage `json:"stream_options,omitempty"`

	// Extra holds fields outside the unified schema, passed through unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var chatRequestKnownFields = map[string]struct{}{
	"model":          {},
	"messages":       {},
	"system":         {},
	"stream":         {},
	"max_tokens":     {},
	"temperature":    {},
	"top_p":          {},
	"stop":           {},
	"user":           {},
	"tools":          {},
	"tool_choice":    {},
	"thinking":       {},
	"reasoning":      {},
	"metadata":       {},
	"stream_options": {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type Alias ChatRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ChatRequest(parsed)
	for key := range chatRequestKnownFields {
		delete(payload, key)
	}
	if len(payload) > 0 {
		r.Extra = payload
	}
	return nil
}

// Clone returns a deep-enough copy for transformer pipelines: slices and the
// Extra map are copied, raw JSON values are shared (transformers replace, not
// mutate, raw fields).
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]ChatMessage(nil), r.Messages...)
	out.Tools = append([]Tool(nil), r.Tools...)
	out.Stop = append([]string(nil), r.Stop...)
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// ChatMessage is a single conversation turn. Content is kept raw because
// dialects disagree on string vs. block-array content.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentText returns the message content as plain text when it is a JSON
// string, and the raw JSON otherwise.
func (m *ChatMessage) ContentText() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// Tool describes a tool definition offered to the model.
type Tool struct {
	Type     string          `json:"type,omitempty"`
	Function json.RawMessage `json:"function,omitempty"`
	Name     string          `json:"name,omitempty"`
	// InputSchema is the Anthropic-dialect schema field.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ChatResponse is the unified non-streaming completion response.
type ChatResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object,omitempty"`
	Created int64           `json:"created,omitempty"`
	Model   string          `json:"model,omitempty"`
	Choices []Choice        `json:"choices,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
	Extra   json.RawMessage `json:"-"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int             `json:"index"`
	Message      *ChatMessage    `json:"message,omitempty"`
	Delta        *ChatMessage    `json:"delta,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Scenario classifies a request for routing purposes.
type Scenario string

// Routing scenarios.
const (
	ScenarioDefault     Scenario = "default"
	ScenarioBackground  Scenario = "background"
	ScenarioThink       Scenario = "think"
	ScenarioLongContext Scenario = "longContext"
	ScenarioWebSearch   Scenario = "webSearch"
)

// Candidate names a concrete provider+model pair.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Key returns the slot key for the candidate.
func (c Candidate) Key() string {
	return c.Provider + "," + c.Model
}

// StageEvent records one step of the request lifecycle for diagnostics.
type StageEvent struct {
	Stage string    `json:"stage"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// RequestContext is the per-request record threaded through the pipeline.
type RequestContext struct {
	RequestID      string      `json:"request_id"`
	SessionID      string      `json:"session_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Priority       int         `json:"priority"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	Scenario       Scenario    `json:"scenario"`
	IsCustomModel  bool        `json:"is_custom_model"`
	ShouldRace     bool        `json:"should_race"`
	RaceCandidates []Candidate `json:"race_candidates,omitempty"`
	Alternatives   []Candidate `json:"alternatives,omitempty"`
	IngressDialect string      `json:"ingress_dialect"`
	Streaming      bool        `json:"streaming"`
	StartTime      time.Time   `json:"start_time"`

	Stages []StageEvent `json:"stages,omitempty"`
}

// LogStage appends a lifecycle event.
func (c *RequestContext) LogStage(stage, note string) {
	c.Stages = append(c.Stages, StageEvent{Stage: stage, At: time.Now(), Note: note})
}

// Selected returns the committed candidate.
func (c *RequestContext) Selected() Candidate {
	return Candidate{Provider: c.Provider, Model: c.Model}
}
