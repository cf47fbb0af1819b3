// Package streaming implements the SSE stream manager: parsing and
// serializing server-sent events, heartbeat keepalive, backpressure and
// read-timeout enforcement, staggered-stream detection, and mid-stream
// upstream reconnect.
package streaming

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

const (
	// DefaultBufferSize is the initial scanner buffer size.
	DefaultBufferSize = 4096

	// MaxLineSize bounds a single SSE line; large tool-call deltas fit well
	// inside this.
	MaxLineSize = 1 << 20

	// DoneSentinel marks clean upstream EOF.
	DoneSentinel = "[DONE]"
)

// bufferPool provides reusable scanner buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// Event is one server-sent event. A comment-only event has Comment set and
// empty Name/Data.
type Event struct {
	Name    string
	Data    string
	Comment string
	Done    bool
}

// IsComment reports whether the event is a comment frame (heartbeat).
func (e *Event) IsComment() bool {
	return e.Comment != "" && e.Name == "" && e.Data == ""
}

// Serialize renders the event in wire format, terminated by the blank line.
func (e *Event) Serialize() []byte {
	var b strings.Builder
	if e.IsComment() {
		b.WriteString(":")
		b.WriteString(e.Comment)
		b.WriteString("\n\n")
		return []byte(b.String())
	}
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteString("\n")
	}
	if e.Done {
		b.WriteString("data: ")
		b.WriteString(DoneSentinel)
		b.WriteString("\n\n")
		return []byte(b.String())
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// Scanner reads server-sent events from an upstream body. One event per
// blank-line-terminated block; lines beginning with ':' surface as comment
// events.
type Scanner struct {
	scanner *bufio.Scanner
	buf     *[]byte
}

// NewScanner creates an SSE scanner over r.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	buf := bufferPool.Get().(*[]byte)
	s.Buffer(*buf, MaxLineSize)
	return &Scanner{scanner: s, buf: buf}
}

// Close returns the scanner buffer to the pool.
func (s *Scanner) Close() {
	if s.buf != nil {
		bufferPool.Put(s.buf)
		s.buf = nil
	}
}

// Next returns the next event, or io.EOF at end of stream.
func (s *Scanner) Next() (*Event, error) {
	ev := &Event{}
	dirty := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if dirty {
				return s.finish(ev), nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			// A bare comment line between events surfaces immediately as
			// its own frame; a comment line inside an event block is
			// dropped.
			if !dirty {
				return &Event{Comment: strings.TrimPrefix(line, ":")}, nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
			dirty = true
		case "data":
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += value
			dirty = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if dirty {
		return s.finish(ev), nil
	}
	return nil, io.EOF
}

func (s *Scanner) finish(ev *Event) *Event {
	if ev.Data == DoneSentinel {
		ev.Done = true
		ev.Data = ""
	}
	return ev
}
