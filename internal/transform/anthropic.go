package transform

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// DefaultMaxTokens is applied when an Anthropic-bound request omits
// max_tokens, which the Messages API requires.
const DefaultMaxTokens = 4096

// Anthropic converts between the Messages API dialect and the unified form.
type Anthropic struct{}

// Name implements Transformer.
func (*Anthropic) Name() string { return "anthropic" }

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
}

type anthropicResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []contentBlock  `json:"content"`
	Model        string          `json:"model"`
	StopReason   string          `json:"stop_reason"`
	StopSequence string          `json:"stop_sequence,omitempty"`
	Usage        *anthropicUsage `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TransformRequestOut converts an ingress Messages-API request into the
// unified form: tool definitions move from input_schema to function shape;
// everything the unified schema shares with the dialect passes through.
func (*Anthropic) TransformRequestOut(req *types.ChatRequest, _ *types.RequestContext) (*types.ChatRequest, error) {
	out := req.Clone()
	for i, tool := range out.Tools {
		if tool.Name == "" {
			continue // already function-shaped
		}
		fn := openaiFunction{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		}
		raw, err := json.Marshal(fn)
		if err != nil {
			return nil, fmt.Errorf("convert tool %s: %w", tool.Name, err)
		}
		out.Tools[i] = types.Tool{Type: "function", Function: raw}
	}
	return out, nil
}

// TransformRequestIn converts a unified request into the Messages-API
// dialect: function tools become input_schema tools, system messages move to
// the top-level system field, and max_tokens gets the required default.
func (*Anthropic) TransformRequestIn(req *types.ChatRequest, _ *types.RequestContext) (*types.ChatRequest, Config, error) {
	out := req.Clone()

	if out.MaxTokens == 0 {
		out.MaxTokens = DefaultMaxTokens
	}

	// Hoist system messages into the dedicated field.
	if len(out.System) == 0 {
		var kept []types.ChatMessage
		var system string
		for _, msg := range out.Messages {
			if msg.Role == "system" {
				system += msg.ContentText()
				continue
			}
			kept = append(kept, msg)
		}
		if system != "" {
			raw, err := json.Marshal(system)
			if err != nil {
				return nil, nil, err
			}
			out.System = raw
			out.Messages = kept
		}
	}

	for i, tool := range out.Tools {
		if len(tool.Function) == 0 {
			continue // already dialect-shaped
		}
		var fn openaiFunction
		if err := json.Unmarshal(tool.Function, &fn); err != nil {
			return nil, nil, fmt.Errorf("parse function tool: %w", err)
		}
		out.Tools[i] = types.Tool{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: fn.Parameters,
		}
	}

	if len(out.Stop) > 0 {
		raw, err := json.Marshal(out.Stop)
		if err != nil {
			return nil, nil, err
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra["stop_sequences"] = raw
		out.Stop = nil
	}

	return out, Config{"endpoint": "/v1/messages"}, nil
}

// TransformResponseOut converts a Messages-API response body into the
// unified OpenAI-shaped response.
func (*Anthropic) TransformResponseOut(body []byte, _ *types.RequestContext) ([]byte, error) {
	var in anthropicResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}
	if in.Type == "error" || in.ID == "" {
		// Not a completion; surface untouched for the error classifier.
		return body, nil
	}

	msg := &types.ChatMessage{Role: "assistant"}
	var text string
	var toolCalls []map[string]any
	for _, block := range in.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.ID,
				"type": "function",
				"function": map[string]any{
					"name":      block.Name,
					"arguments": string(block.Input),
				},
			})
		}
	}
	if raw, err := json.Marshal(text); err == nil {
		msg.Content = raw
	}
	if len(toolCalls) > 0 {
		if raw, err := json.Marshal(toolCalls); err == nil {
			msg.ToolCalls = raw
		}
	}

	out := types.ChatResponse{
		ID:      in.ID,
		Object:  "chat.completion",
		Model:   in.Model,
		Choices: []types.Choice{{Message: msg, FinishReason: mapStopReason(in.StopReason)}},
	}
	if in.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		}
	}
	return json.Marshal(out)
}

// TransformResponseIn converts a unified response into the Messages-API
// shape for Anthropic-dialect clients.
func (*Anthropic) TransformResponseIn(body []byte, _ *types.RequestContext) ([]byte, error) {
	var in types.ChatResponse
	if err := json.Unmarshal(body, &in); err != nil || len(in.Choices) == 0 {
		return body, nil
	}
	choice := in.Choices[0]

	var blocks []contentBlock
	if choice.Message != nil {
		if text := choice.Message.ContentText(); text != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: text})
		}
		if len(choice.Message.ToolCalls) > 0 {
			var calls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			}
			if err := json.Unmarshal(choice.Message.ToolCalls, &calls); err == nil {
				for _, call := range calls {
					blocks = append(blocks, contentBlock{
						Type:  "tool_use",
						ID:    call.ID,
						Name:  call.Function.Name,
						Input: json.RawMessage(call.Function.Arguments),
					})
				}
			}
		}
	}

	out := anthropicResponse{
		ID:         in.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      in.Model,
		StopReason: mapFinishReason(choice.FinishReason),
	}
	if in.Usage != nil {
		out.Usage = &anthropicUsage{
			InputTokens:  in.Usage.PromptTokens,
			OutputTokens: in.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}
