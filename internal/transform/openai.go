package transform

import (
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// OpenAI is the chat-completions dialect. The unified form is OpenAI-shaped,
// so both directions are structural no-ops; the transformer exists so the
// chain's bypass computation and ordering treat the dialect uniformly.
type OpenAI struct{}

// Name implements Transformer.
func (*OpenAI) Name() string { return "openai" }

// TransformRequestOut implements RequestOut.
func (*OpenAI) TransformRequestOut(req *types.ChatRequest, _ *types.RequestContext) (*types.ChatRequest, error) {
	return req, nil
}

// TransformRequestIn implements RequestIn.
func (*OpenAI) TransformRequestIn(req *types.ChatRequest, _ *types.RequestContext) (*types.ChatRequest, Config, error) {
	return req, nil, nil
}

// TransformResponseOut implements ResponseOut.
func (*OpenAI) TransformResponseOut(body []byte, _ *types.RequestContext) ([]byte, error) {
	return body, nil
}

// TransformResponseIn implements ResponseIn.
func (*OpenAI) TransformResponseIn(body []byte, _ *types.RequestContext) ([]byte, error) {
	return body, nil
}
