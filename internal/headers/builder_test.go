package headers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

func testContext(streaming bool) *types.RequestContext {
	return &types.RequestContext{
		RequestID:      "req-1",
		SessionID:      "sess-1",
		ConversationID: "conv-1",
		Streaming:      streaming,
	}
}

func TestBuild_Defaults(t *testing.T) {
	b := NewBuilder()
	p := &provider.Provider{Name: "up", Kind: "openai"}

	h := b.Build(testContext(false), p, "sk-test")
	assert.Equal(t, "application/json", h["Content-Type"])
	assert.Equal(t, "Bearer sk-test", h["Authorization"])
	assert.Equal(t, "req-1", h["X-Request-ID"])
	assert.Equal(t, "sess-1", h["Session-Id"])
	assert.Equal(t, "conv-1", h["Conversation-Id"])
	assert.NotContains(t, h, "Accept")
}

func TestBuild_StreamAccept(t *testing.T) {
	b := NewBuilder()
	p := &provider.Provider{Name: "up", Kind: "openai"}

	h := b.Build(testContext(true), p, "sk-test")
	assert.Equal(t, "text/event-stream", h["Accept"])
}

func TestBuild_IflowOverlay(t *testing.T) {
	b := NewBuilder()
	p := &provider.Provider{Name: "up", Kind: "iflow"}

	h := b.Build(testContext(true), p, "sk-test")
	assert.Equal(t, "llmrelay/"+Version, h["user-agent"])
	assert.Equal(t, "relay", h["x-client-type"])
	assert.Equal(t, Version, h["x-client-version"])
	assert.Equal(t, "sess-1", h["session-id"])
	assert.Equal(t, "conv-1", h["conversation-id"])
	// The iflow family refuses the SSE accept header even for streams.
	assert.Equal(t, "application/json", h["Accept"])
}

func TestBuild_CustomHeadersWinCaseInsensitively(t *testing.T) {
	b := NewBuilder()
	p := &provider.Provider{
		Name: "up",
		Kind: "openai",
		Headers: map[string]string{
			"authorization": "Bearer custom",
			"X-Extra":       "1",
		},
	}

	h := b.Build(testContext(false), p, "sk-test")
	assert.Equal(t, "Bearer custom", h["authorization"])
	assert.NotContains(t, h, "Authorization", "case-insensitive dedupe keeps the last spelling")
	assert.Equal(t, "1", h["X-Extra"])
}

func TestSigner(t *testing.T) {
	b := NewBuilder()
	signer := NewSigner("Iflow", []string{"session-id", "x-client-type"})
	at := time.UnixMilli(1700000000000)
	signer.SetClock(func() time.Time { return at })
	b.RegisterSigner("iflow", signer)

	p := &provider.Provider{Name: "up", Kind: "iflow"}
	h := b.Build(testContext(false), p, "sk-test")

	require.Contains(t, h, "X-Iflow-Signature")
	assert.Equal(t, "1700000000000", h["X-Iflow-Timestamp"])

	mac := hmac.New(sha256.New, []byte("sk-test"))
	mac.Write([]byte("sess-1:relay:1700000000000"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), h["X-Iflow-Signature"])
}

func TestSigner_RefreshesPerBuild(t *testing.T) {
	b := NewBuilder()
	signer := NewSigner("Iflow", []string{"session-id"})
	at := time.UnixMilli(1700000000000)
	signer.SetClock(func() time.Time {
		at = at.Add(time.Second)
		return at
	})
	b.RegisterSigner("iflow", signer)

	p := &provider.Provider{Name: "up", Kind: "iflow"}
	first := b.Build(testContext(false), p, "sk-test")
	second := b.Build(testContext(false), p, "sk-test")

	// Retries rebuild headers, so the signed timestamp moves with the clock.
	assert.NotEqual(t, first["X-Iflow-Timestamp"], second["X-Iflow-Timestamp"])
	assert.NotEqual(t, first["X-Iflow-Signature"], second["X-Iflow-Signature"])
}
