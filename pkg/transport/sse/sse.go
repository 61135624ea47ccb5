// Package sse carries session events to browsers as Server-Sent Events over a
// streamed HTTP response.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"bizagent/pkg/session"
)

// Event names on the wire.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventFeedback    = "feedback"
	EventTool        = "tool"
	EventFallback    = "fallback"
	EventError       = "error"
	EventInterrupted = "interrupted"
	EventSessionEnd  = "session_end"
	EventStarted     = "started"
)

// Writer writes `event: <name>\ndata: <json>\n\n` frames and flushes each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// New wraps w. It fails when w cannot flush.
func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: f}, nil
}

// Send writes one frame.
func (sw *Writer) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", string(b)); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// SendEvent writes a session event under its wire name.
func (sw *Writer) SendEvent(ev session.Event) error {
	name, payload := Encode(ev)
	if name == "" {
		return fmt.Errorf("unsupported session event %T", ev)
	}
	return sw.Send(name, payload)
}

// Encode maps a session event to its event name and JSON payload.
func Encode(ev session.Event) (string, any) {
	switch e := ev.(type) {
	case session.MessageEvent:
		return EventMessage, e
	case session.TypingEvent:
		return EventTyping, e
	case session.FeedbackEvent:
		return EventFeedback, e
	case session.ToolEvent:
		return EventTool, e
	case session.FallbackEvent:
		return EventFallback, e
	case session.ErrorEvent:
		return EventError, e
	case session.InterruptedEvent:
		return EventInterrupted, struct{}{}
	case session.SessionEndEvent:
		return EventSessionEnd, e
	case session.StartedEvent:
		return EventStarted, e
	default:
		return "", nil
	}
}
