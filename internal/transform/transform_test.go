package transform

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

func newProvider(kind string, use []string, perModel map[string][]string) *provider.Provider {
	return &provider.Provider{
		Name: "up",
		Kind: kind,
		Transformers: config.TransformerSpec{
			Use:      use,
			PerModel: perModel,
		},
	}
}

func rctx() *types.RequestContext {
	return &types.RequestContext{RequestID: "r1", IngressDialect: "openai"}
}

func TestBuild_BypassWhenDialectsMatch(t *testing.T) {
	r := NewRegistry()

	chain, err := r.Build("openai", newProvider("openai", nil, nil), "m")
	require.NoError(t, err)
	assert.True(t, chain.Bypassed())
}

func TestBuild_NoBypassAcrossDialects(t *testing.T) {
	r := NewRegistry()

	chain, err := r.Build("openai", newProvider("anthropic", nil, nil), "m")
	require.NoError(t, err)
	assert.False(t, chain.Bypassed())
}

func TestBuild_ModelChainDisablesBypass(t *testing.T) {
	r := NewRegistry()
	p := newProvider("openai", []string{"openai"}, map[string][]string{"m": {"iflow"}})

	chain, err := r.Build("openai", p, "m")
	require.NoError(t, err)
	assert.False(t, chain.Bypassed())

	other, err := r.Build("openai", p, "other-model")
	require.NoError(t, err)
	assert.True(t, other.Bypassed(), "model chain only binds to its model")
}

func TestBuild_UnknownTransformer(t *testing.T) {
	r := NewRegistry()

	_, err := r.Build("openai", newProvider("", []string{"nope"}, nil), "m")
	require.Error(t, err)
}

func TestConfigMerge(t *testing.T) {
	var cfg Config
	cfg = cfg.Merge(Config{"a": 1, "b": 1})
	cfg = cfg.Merge(Config{"b": 2})
	assert.Equal(t, Config{"a": 1, "b": 2}, cfg)
}

func userMessage(text string) types.ChatMessage {
	content, _ := json.Marshal(text)
	return types.ChatMessage{Role: "user", Content: content}
}

func systemMessage(text string) types.ChatMessage {
	content, _ := json.Marshal(text)
	return types.ChatMessage{Role: "system", Content: content}
}

func TestAnthropic_RequestIn(t *testing.T) {
	r := NewRegistry()
	chain, err := r.Build("openai", newProvider("anthropic", nil, nil), "claude")
	require.NoError(t, err)

	params := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	fn, _ := json.Marshal(openaiFunction{Name: "search", Description: "find things", Parameters: params})
	req := &types.ChatRequest{
		Model:    "claude",
		Messages: []types.ChatMessage{systemMessage("be terse"), userMessage("hi")},
		Tools:    []types.Tool{{Type: "function", Function: fn}},
		Stop:     []string{"END"},
	}

	out, delta, err := chain.ApplyRequest(req, rctx())
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxTokens, out.MaxTokens)
	assert.Equal(t, "/v1/messages", delta["endpoint"])

	require.Len(t, out.Messages, 1, "system message hoisted out of messages")
	assert.JSONEq(t, `"be terse"`, string(out.System))

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "search", out.Tools[0].Name)
	assert.JSONEq(t, string(params), string(out.Tools[0].InputSchema))

	assert.Empty(t, out.Stop)
	assert.JSONEq(t, `["END"]`, string(out.Extra["stop_sequences"]))

	// The original request is untouched.
	assert.Len(t, req.Messages, 2)
	assert.Zero(t, req.MaxTokens)
}

func TestAnthropic_ResponseOut(t *testing.T) {
	r := NewRegistry()
	chain, err := r.Build("openai", newProvider("anthropic", nil, nil), "claude")
	require.NoError(t, err)

	body := []byte(`{
		"id":"msg_1","type":"message","role":"assistant","model":"claude",
		"content":[
			{"type":"text","text":"hello "},
			{"type":"text","text":"world"},
			{"type":"tool_use","id":"tu_1","name":"search","input":{"q":"go"}}
		],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":10,"output_tokens":5}
	}`)

	out, err := chain.ApplyResponse(body, rctx())
	require.NoError(t, err)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "msg_1", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, "hello world", resp.Choices[0].Message.ContentText())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	var calls []map[string]any
	require.NoError(t, json.Unmarshal(resp.Choices[0].Message.ToolCalls, &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "tu_1", calls[0]["id"])
}

func TestAnthropic_RoundTripToolSemantics(t *testing.T) {
	// dialect → unified → dialect keeps tool name and schema.
	a := &Anthropic{}

	schema := json.RawMessage(`{"type":"object"}`)
	req := &types.ChatRequest{
		Model:    "claude",
		Messages: []types.ChatMessage{userMessage("hi")},
		Tools:    []types.Tool{{Name: "search", Description: "d", InputSchema: schema}},
	}

	unified, err := a.TransformRequestOut(req, rctx())
	require.NoError(t, err)
	require.Len(t, unified.Tools, 1)
	assert.Equal(t, "function", unified.Tools[0].Type)

	back, _, err := a.TransformRequestIn(unified, rctx())
	require.NoError(t, err)
	require.Len(t, back.Tools, 1)
	assert.Equal(t, "search", back.Tools[0].Name)
	assert.Equal(t, "d", back.Tools[0].Description)
	assert.JSONEq(t, string(schema), string(back.Tools[0].InputSchema))
}

func TestAnthropic_ResponseIn(t *testing.T) {
	a := &Anthropic{}

	content, _ := json.Marshal("hi there")
	in := types.ChatResponse{
		ID:    "cmpl_1",
		Model: "gpt",
		Choices: []types.Choice{{
			Message:      &types.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}
	body, _ := json.Marshal(in)

	out, err := a.TransformResponseIn(body, rctx())
	require.NoError(t, err)

	var resp anthropicResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi there", resp.Content[0].Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 2, resp.Usage.InputTokens)
}

func TestIflow_SessionStamping(t *testing.T) {
	i := &Iflow{}

	ctx := rctx()
	ctx.SessionID = "sess-9"
	ctx.ConversationID = "conv-9"

	out, delta, err := i.TransformRequestIn(&types.ChatRequest{
		Model:    "m",
		Messages: []types.ChatMessage{userMessage("hi")},
	}, ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"sess-9"`, string(out.Extra["session_id"]))
	assert.JSONEq(t, `"conv-9"`, string(out.Extra["conversation_id"]))
	assert.Equal(t, "application/json", delta["accept"])
}

func TestIflow_AuthHook(t *testing.T) {
	r := NewRegistry()
	chain, err := r.Build("iflow", newProvider("iflow", nil, nil), "m")
	require.NoError(t, err)
	require.True(t, chain.Bypassed())

	ctx := rctx()
	ctx.SessionID = "sess-9"
	h, ok, err := chain.AuthHeaders(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Bearer key-1", h["Authorization"])
	assert.Equal(t, "sess-9", h["session-id"])
}

func TestChain_BypassSkipsTransforms(t *testing.T) {
	r := NewRegistry()
	chain, err := r.Build("openai", newProvider("openai", nil, nil), "m")
	require.NoError(t, err)

	req := &types.ChatRequest{Model: "m", Messages: []types.ChatMessage{userMessage("hi")}}
	out, delta, err := chain.ApplyRequest(req, rctx())
	require.NoError(t, err)
	assert.Same(t, req, out)
	assert.Nil(t, delta)

	body := []byte(`{"anything":"goes"}`)
	back, err := chain.ApplyResponse(body, rctx())
	require.NoError(t, err)
	assert.Equal(t, body, back)
}
