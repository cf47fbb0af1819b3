package session

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		tag  string
		want int
	}{
		{"high", PriorityHigh},
		{"HIGH", PriorityHigh},
		{" low ", PriorityLow},
		{"normal", PriorityNormal},
		{"", PriorityNormal},
		{"bogus", PriorityNormal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePriority(tt.tag), "tag %q", tt.tag)
	}
}

func TestDerive(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-session-id", "sess-1")
	r.Header.Set("conversation-id", "conv-1")
	r.Header.Set("x-ccr-priority", "high")

	id := Derive(r)
	assert.Equal(t, "sess-1", id.SessionID)
	assert.Equal(t, "conv-1", id.ConversationID)
	assert.Equal(t, PriorityHigh, id.Priority)
	assert.NotEmpty(t, id.RequestID, "request id is always generated")
}

func TestDerive_HeaderPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-session-id", "primary")
	r.Header.Set("session-id", "secondary")

	assert.Equal(t, "primary", Derive(r).SessionID)
}

func TestRaceSuffix(t *testing.T) {
	a := RaceSuffix("sess-1")
	b := RaceSuffix("sess-1")

	assert.True(t, len(a) > len("sess-1"))
	assert.Contains(t, a, "sess-1-")
	assert.NotEqual(t, a, b, "every racer gets a distinct suffix")

	assert.NotEmpty(t, RaceSuffix(""), "missing session still gets an identity")
}

func TestProjectLookup(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "myproject")
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(projDir, "sess-1.jsonl"),
		[]byte(`{"cwd":"/home/dev/myproject"}`+"\n"),
		0o644,
	))

	l := NewProjectLookup(root)
	assert.Equal(t, "/home/dev/myproject", l.ProjectDir("sess-1"))
	assert.Empty(t, l.ProjectDir("unknown"))

	// Second hit comes from cache.
	assert.Equal(t, "/home/dev/myproject", l.ProjectDir("sess-1"))
}
