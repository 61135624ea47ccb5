package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
)

type fakeSessions struct {
	startErr   error
	sendErr    error
	events     []session.Event
	sentTo     string
	sendCtx    context.Context
	interrupts []string
	endReason  string
}

func (f *fakeSessions) Start(ctx context.Context, req session.StartRequest) (*session.StartedEvent, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &session.StartedEvent{
		Session:        session.Info{SessionID: "s-1", ConversationID: "c-1", BusinessID: "b-1"},
		WelcomeMessage: "Welcome " + req.Token,
	}, nil
}

func (f *fakeSessions) Send(ctx context.Context, sessionID, message string, sink session.Sink) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTo = sessionID
	f.sendCtx = ctx
	for _, ev := range f.events {
		if err := sink.Send(ev); err != nil {
			return nil
		}
	}
	return nil
}

func (f *fakeSessions) Interrupt(sessionID string) error {
	if sessionID != "s-1" {
		return session.ErrSessionNotFound
	}
	f.interrupts = append(f.interrupts, sessionID)
	return nil
}

func (f *fakeSessions) End(ctx context.Context, sessionID, reason string) (*session.EndResult, error) {
	if sessionID != "s-1" {
		return nil, session.ErrSessionNotFound
	}
	f.endReason = reason
	return &session.EndResult{ConversationID: "c-1", DurationSeconds: 90, MinutesUsed: 2}, nil
}

func newTestServer(t *testing.T, sessions Sessions) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewHandler(logger.NewNop(), sessions).Register(e.Group("/api/agent"))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload["error"]
}

func TestHandleStart(t *testing.T) {
	fake := &fakeSessions{}
	srv := newTestServer(t, fake)

	resp := postJSON(t, srv.URL+"/api/agent/sessions", `{"token":"tok"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var started struct {
		Session        map[string]any `json:"session"`
		WelcomeMessage string         `json:"welcomeMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.Session["sessionId"] != "s-1" || started.WelcomeMessage != "Welcome tok" {
		t.Fatalf("unexpected start payload %+v", started)
	}

	tests := []struct {
		name   string
		err    error
		status int
		tag    string
	}{
		{name: "exhausted", err: links.ErrSingleUseExhausted, status: http.StatusForbidden, tag: "SingleUseExhausted"},
		{name: "not-found", err: links.ErrNotFound, status: http.StatusForbidden, tag: "NotFound"},
		{name: "expired", err: links.ErrExpired, status: http.StatusGone, tag: "Expired"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake.startErr = tc.err
			resp := postJSON(t, srv.URL+"/api/agent/sessions", `{"token":"tok"}`)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if got := decodeError(t, resp); got != tc.tag {
				t.Fatalf("expected tag %s, got %s", tc.tag, got)
			}
		})
	}

	fake.startErr = nil
	if resp := postJSON(t, srv.URL+"/api/agent/sessions", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without token, got %d", resp.StatusCode)
	}
}

func TestHandleMessageStreamsTurn(t *testing.T) {
	fake := &fakeSessions{events: []session.Event{
		session.TypingEvent{IsTyping: true},
		session.MessageEvent{Chunk: "Open "},
		session.MessageEvent{Chunk: "until 6pm."},
		session.TypingEvent{IsTyping: false},
		session.MessageEvent{IsComplete: true},
	}}
	srv := newTestServer(t, fake)

	resp := postJSON(t, srv.URL+"/api/agent/sessions/s-1/messages", `{"message":"hours?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if fake.sentTo != "s-1" {
		t.Fatalf("expected send to s-1, got %q", fake.sentTo)
	}

	reader := NewReader(resp.Body)
	var text strings.Builder
	var complete bool
	for {
		frame, err := reader.Next()
		if err != nil {
			break
		}
		if frame.Event != EventMessage {
			continue
		}
		var msg session.MessageEvent
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		text.WriteString(msg.Chunk)
		complete = complete || msg.IsComplete
	}
	if text.String() != "Open until 6pm." || !complete {
		t.Fatalf("unexpected stream text %q complete=%v", text.String(), complete)
	}
}

func TestHandleMessageErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "missing", err: session.ErrSessionNotFound, status: http.StatusNotFound},
		{name: "busy", err: session.ErrAlreadyProcessing, status: http.StatusConflict},
		{name: "empty", err: session.ErrEmptyMessage, status: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			h := NewHandler(logger.NewNop(), &fakeSessions{sendErr: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/agent/sessions/s-1/messages", bytes.NewBufferString(`{"message":"hi"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetPath("/api/agent/sessions/:id/messages")
			c.SetPathValues(echo.PathValues{{Name: "id", Value: "s-1"}})

			if err := h.handleMessage(c); err != nil {
				t.Fatalf("handler failed: %v", err)
			}
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload["error"] != session.ErrorTag(tc.err) {
				t.Fatalf("unexpected error body %s", rec.Body.String())
			}
		})
	}
}

func TestHandleInterruptAndEnd(t *testing.T) {
	fake := &fakeSessions{}
	srv := newTestServer(t, fake)

	if resp := postJSON(t, srv.URL+"/api/agent/sessions/s-1/interrupt", ``); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(fake.interrupts) != 1 {
		t.Fatalf("expected one interrupt, got %v", fake.interrupts)
	}
	if resp := postJSON(t, srv.URL+"/api/agent/sessions/other/interrupt", ``); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/agent/sessions/s-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	var result session.EndResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode end result: %v", err)
	}
	if result.MinutesUsed != 2 || fake.endReason != "client" {
		t.Fatalf("unexpected end result %+v reason=%q", result, fake.endReason)
	}
}
