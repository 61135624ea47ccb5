package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"bizagent/pkg/session"
)

func TestWriterFramesAndDecoderRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	success := true
	events := []session.Event{
		session.TypingEvent{IsTyping: true},
		session.MessageEvent{Chunk: "Hi there"},
		session.ToolEvent{Status: session.ToolStatusEnd, ToolName: "get_business_info", Success: &success},
		session.InterruptedEvent{},
	}
	for _, ev := range events {
		if err := w.SendEvent(ev); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if !rec.Flushed {
		t.Fatalf("expected frames to be flushed")
	}
	if !strings.HasPrefix(rec.Body.String(), "event: typing\ndata: {\"isTyping\":true}\n\n") {
		t.Fatalf("unexpected framing %q", rec.Body.String())
	}

	reader := NewReader(bytes.NewReader(rec.Body.Bytes()))
	wantNames := []string{EventTyping, EventMessage, EventTool, EventInterrupted}
	for i, want := range wantNames {
		frame, err := reader.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if frame.Event != want {
			t.Fatalf("frame %d: expected %s, got %s", i, want, frame.Event)
		}
		if i == 1 {
			var msg session.MessageEvent
			if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.Chunk != "Hi there" {
				t.Fatalf("unexpected message payload %s (%v)", frame.Data, err)
			}
		}
	}
	if _, err := reader.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecoderBuffersPartialFrames(t *testing.T) {
	stream := "event: message\ndata: {\"chunk\":\"a\",\"isComplete\":false}\n\n" +
		": keepalive\n\n" +
		"event: fallback\r\ndata: {\"message\":\"x\",\r\ndata: \"speak\":true}\r\n\r\n"

	var dec Decoder
	var frames []Frame
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		frames = append(frames, dec.Feed([]byte(stream[i:end]))...)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %+v", len(frames), frames)
	}
	if frames[1].Event != EventFallback || string(frames[1].Data) != "{\"message\":\"x\",\n\"speak\":true}" {
		t.Fatalf("unexpected multi-line frame %+v", frames[1])
	}
	if dec.Pending() {
		t.Fatalf("expected empty buffer")
	}

	if got := dec.Feed([]byte("event: typing\ndata: {}")); len(got) != 0 || !dec.Pending() {
		t.Fatalf("expected partial frame to stay buffered")
	}
}

func TestReaderReportsTruncatedFrame(t *testing.T) {
	reader := NewReader(strings.NewReader("event: message\ndata: {\"chunk\":\"a\"}\n\nevent: typing\ndata: {"))
	if _, err := reader.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := reader.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestEncodeCoversEveryEvent(t *testing.T) {
	cases := map[string]session.Event{
		EventMessage:     session.MessageEvent{},
		EventTyping:      session.TypingEvent{},
		EventFeedback:    session.FeedbackEvent{},
		EventTool:        session.ToolEvent{},
		EventFallback:    session.FallbackEvent{},
		EventError:       session.ErrorEvent{},
		EventInterrupted: session.InterruptedEvent{},
		EventSessionEnd:  session.SessionEndEvent{},
		EventStarted:     session.StartedEvent{},
	}
	for want, ev := range cases {
		if got, _ := Encode(ev); got != want {
			t.Fatalf("Encode(%T) = %q, want %q", ev, got, want)
		}
	}
}
