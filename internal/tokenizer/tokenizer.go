// Package tokenizer provides token estimation for routing thresholds and
// stream rate computation.
package tokenizer

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for the given text using tiktoken,
// falling back to a conservative len/4 estimate when no encoding is
// available.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates the prompt size of a chat request, counting
// message content, system prompt and tool definitions.
func EstimatePromptTokens(model string, req *types.ChatRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += CountTextTokens(model, msg.ContentText())
		total += CountTextTokens(model, string(msg.ToolCalls))
		// Per-message framing overhead used by common chat formats.
		total += 4
	}
	total += CountTextTokens(model, rawText(req.System))

	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountTextTokens(model, string(toolsJSON))
		}
	}
	if len(req.ToolChoice) > 0 {
		total += CountTextTokens(model, string(req.ToolChoice))
	}

	// Reply primer.
	total += 3
	return total
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func getEncoding(model string) *tiktoken.Tiktoken {
	if model != "" {
		if cached, ok := encodingCache.Load(model); ok {
			return cached.(*tiktoken.Tiktoken)
		}
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			encodingCache.Store(model, enc)
			return enc
		}
	}

	defaultOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			defaultEnc = enc
		}
	})
	if defaultEnc != nil && model != "" {
		encodingCache.Store(model, defaultEnc)
	}
	return defaultEnc
}
