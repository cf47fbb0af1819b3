package streaming

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, input string) []*Event {
	t.Helper()
	s := NewScanner(strings.NewReader(input))
	defer s.Close()

	var events []*Event
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestScanner_DataEvents(t *testing.T) {
	events := collect(t, "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n")
	require.Len(t, events, 2)
	assert.Equal(t, `{"a":1}`, events[0].Data)
	assert.Equal(t, `{"b":2}`, events[1].Data)
}

func TestScanner_NamedEvent(t *testing.T) {
	events := collect(t, "event: content_block_delta\ndata: {\"x\":1}\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "content_block_delta", events[0].Name)
	assert.Equal(t, `{"x":1}`, events[0].Data)
}

func TestScanner_MultilineData(t *testing.T) {
	events := collect(t, "data: line1\ndata: line2\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].Data)
}

func TestScanner_Comments(t *testing.T) {
	events := collect(t, ":ping\n\ndata: x\n\n:pong\n\n")
	require.Len(t, events, 3)
	assert.True(t, events[0].IsComment())
	assert.Equal(t, "ping", events[0].Comment)
	assert.Equal(t, "x", events[1].Data)
	assert.True(t, events[2].IsComment())
}

func TestScanner_DoneSentinel(t *testing.T) {
	events := collect(t, "data: x\n\ndata: [DONE]\n\n")
	require.Len(t, events, 2)
	assert.False(t, events[0].Done)
	assert.True(t, events[1].Done)
	assert.Empty(t, events[1].Data)
}

func TestSerializeParseIdentity(t *testing.T) {
	originals := []*Event{
		{Data: `{"a":1}`},
		{Name: "message_delta", Data: `{"b":2}`},
		{Data: "line1\nline2"},
		{Comment: "ping"},
		{Done: true},
	}

	var wire strings.Builder
	for _, ev := range originals {
		wire.Write(ev.Serialize())
	}

	parsed := collect(t, wire.String())
	require.Len(t, parsed, len(originals))
	for i, ev := range originals {
		assert.Equal(t, ev.Name, parsed[i].Name, "event %d", i)
		assert.Equal(t, ev.Data, parsed[i].Data, "event %d", i)
		assert.Equal(t, ev.Comment, parsed[i].Comment, "event %d", i)
		assert.Equal(t, ev.Done, parsed[i].Done, "event %d", i)
	}
}

func TestClientSideParsingDropsHeartbeats(t *testing.T) {
	// Heartbeat injection must be invisible to an SSE client: comments
	// parse as comment frames and the data stream is unchanged.
	wire := "data: {\"a\":1}\n\n:ping\n\n:ping\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"

	var data []string
	for _, ev := range collect(t, wire) {
		if ev.IsComment() || ev.Done {
			continue
		}
		data = append(data, ev.Data)
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, data)
}
