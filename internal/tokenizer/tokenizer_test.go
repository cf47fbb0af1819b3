package tokenizer

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

func TestCountTextTokens(t *testing.T) {
	assert.Zero(t, CountTextTokens("gpt-4o", ""))
	assert.Greater(t, CountTextTokens("gpt-4o", "hello world, this is a token count test"), 0)
}

func TestEstimatePromptTokens(t *testing.T) {
	content, _ := json.Marshal("hello world")
	small := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{{Role: "user", Content: content}},
	}

	big := &types.ChatRequest{Model: "gpt-4o"}
	for i := 0; i < 50; i++ {
		big.Messages = append(big.Messages, types.ChatMessage{Role: "user", Content: content})
	}

	smallCount := EstimatePromptTokens("gpt-4o", small)
	bigCount := EstimatePromptTokens("gpt-4o", big)
	assert.Greater(t, smallCount, 0)
	assert.Greater(t, bigCount, smallCount*10, "estimate grows with message count")

	assert.Zero(t, EstimatePromptTokens("gpt-4o", nil))
}

func TestEstimateIncludesSystemAndTools(t *testing.T) {
	content, _ := json.Marshal("hi")
	system, _ := json.Marshal("you are a helpful assistant with a long preamble")
	base := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{{Role: "user", Content: content}},
	}
	withSystem := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: base.Messages,
		System:   system,
	}

	assert.Greater(t, EstimatePromptTokens("gpt-4o", withSystem), EstimatePromptTokens("gpt-4o", base))
}
