package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bizagent/pkg/config"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	started  int
	ended    []string
	typing   []bool
	turn     []session.Event
	busy     bool
	endCalls chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{endCalls: make(chan string, 8)}
}

func (f *fakeSessions) Start(ctx context.Context, req session.StartRequest) (*session.StartedEvent, error) {
	if req.Token != "good" {
		return nil, links.ErrSingleUseExhausted
	}
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return &session.StartedEvent{
		Session:        session.Info{SessionID: "s-1", ConversationID: "c-1"},
		WelcomeMessage: "Hello!",
	}, nil
}

func (f *fakeSessions) Dispatch(sessionID, message string, sink session.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return session.ErrAlreadyProcessing
	}
	events := f.turn
	go func() {
		for _, ev := range events {
			if err := sink.Send(ev); err != nil {
				return
			}
		}
	}()
	return nil
}

func (f *fakeSessions) Interrupt(sessionID string) error { return nil }

func (f *fakeSessions) Typing(sessionID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeSessions) End(ctx context.Context, sessionID, reason string) (*session.EndResult, error) {
	f.mu.Lock()
	f.ended = append(f.ended, reason)
	f.mu.Unlock()
	f.endCalls <- reason
	return &session.EndResult{ConversationID: "c-1"}, nil
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
	id int64
}

func dial(t *testing.T, sessions Sessions) (*testClient, *Server) {
	t.Helper()
	srv := NewServer(logger.NewNop(), sessions, func() config.SessionConfig { return config.DefaultConfig().Session })
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}, srv
}

func (c *testClient) request(event string, data any) int64 {
	c.t.Helper()
	c.id++
	id := c.id
	frame, err := Marshal(event, &id, data)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return id
}

func (c *testClient) next() Envelope {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func (c *testClient) expectAck(id int64) Ack {
	c.t.Helper()
	env := c.next()
	if env.Event != EventAck || env.ID == nil || *env.ID != id {
		c.t.Fatalf("expected ack %d, got %s %s", id, env.Event, env.Data)
	}
	var ack Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func (c *testClient) start() {
	c.t.Helper()
	id := c.request(EventSessionStart, StartPayload{Token: "good"})
	if env := c.next(); env.Event != EventSessionStarted {
		c.t.Fatalf("expected session:started, got %s", env.Event)
	}
	if ack := c.expectAck(id); !ack.Success {
		c.t.Fatalf("expected successful start ack, got %+v", ack)
	}
}

func TestStartAcksAndAnnouncesSession(t *testing.T) {
	fake := newFakeSessions()
	client, _ := dial(t, fake)

	id := client.request(EventSessionStart, StartPayload{Token: "good"})
	env := client.next()
	if env.Event != EventSessionStarted {
		t.Fatalf("expected session:started, got %s", env.Event)
	}
	var started struct {
		Session        session.Info `json:"session"`
		WelcomeMessage string       `json:"welcomeMessage"`
	}
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatalf("decode started: %v", err)
	}
	if started.Session.SessionID != "s-1" || started.WelcomeMessage != "Hello!" {
		t.Fatalf("unexpected started payload %+v", started)
	}
	if ack := client.expectAck(id); !ack.Success {
		t.Fatalf("expected success ack, got %+v", ack)
	}

	again := client.request(EventSessionStart, StartPayload{Token: "good"})
	if ack := client.expectAck(again); ack.Success || ack.Error != ErrTagSessionAlreadyStarted {
		t.Fatalf("expected second start to be rejected, got %+v", ack)
	}
}

func TestStartRejectedByLinkPolicy(t *testing.T) {
	client, _ := dial(t, newFakeSessions())

	id := client.request(EventSessionStart, StartPayload{Token: "used"})
	env := client.next()
	if env.Event != EventSessionError || !strings.Contains(string(env.Data), "SingleUseExhausted") {
		t.Fatalf("expected session:error with reason, got %s %s", env.Event, env.Data)
	}
	if ack := client.expectAck(id); ack.Success || ack.Error != "SingleUseExhausted" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestSendAckPrecedesTurnEvents(t *testing.T) {
	fake := newFakeSessions()
	fake.turn = []session.Event{
		session.TypingEvent{IsTyping: true},
		session.MessageEvent{Chunk: "Hi"},
		session.TypingEvent{IsTyping: false},
		session.MessageEvent{IsComplete: true},
	}
	client, _ := dial(t, fake)
	client.start()

	id := client.request(EventAgentSend, SendPayload{Message: "hello"})
	if ack := client.expectAck(id); !ack.Success {
		t.Fatalf("expected accepted send, got %+v", ack)
	}
	want := []string{EventAgentTyping, EventAgentMessage, EventAgentTyping, EventAgentMessage}
	for i, name := range want {
		if env := client.next(); env.Event != name {
			t.Fatalf("event %d: expected %s, got %s", i, name, env.Event)
		}
	}

	fake.mu.Lock()
	fake.busy = true
	fake.mu.Unlock()
	busy := client.request(EventAgentSend, SendPayload{Message: "again"})
	if ack := client.expectAck(busy); ack.Success || ack.Error != "AlreadyProcessing" {
		t.Fatalf("expected AlreadyProcessing, got %+v", ack)
	}
}

func TestRequestsWithoutSession(t *testing.T) {
	client, _ := dial(t, newFakeSessions())

	id := client.request(EventAgentSend, SendPayload{Message: "hello"})
	if ack := client.expectAck(id); ack.Error != "SessionNotFound" {
		t.Fatalf("expected SessionNotFound, got %+v", ack)
	}
	end := client.request(EventSessionEnd, nil)
	if ack := client.expectAck(end); ack.Success {
		t.Fatalf("expected end without session to fail")
	}

	if err := client.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := client.next(); env.Event != EventSessionError {
		t.Fatalf("expected session:error, got %s", env.Event)
	}

	unknown := client.request("agent:dance", nil)
	if ack := client.expectAck(unknown); ack.Error != ErrTagUnknownEvent {
		t.Fatalf("expected unknown event ack, got %+v", ack)
	}
}

func TestTypingIsRelayed(t *testing.T) {
	fake := newFakeSessions()
	client, _ := dial(t, fake)
	client.start()

	id := client.request(EventUserTyping, TypingPayload{IsTyping: true})
	if ack := client.expectAck(id); !ack.Success {
		t.Fatalf("unexpected ack %+v", ack)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.typing) != 1 || !fake.typing[0] {
		t.Fatalf("expected typing relayed, got %v", fake.typing)
	}
}

func TestDisconnectEndsSessionOnce(t *testing.T) {
	fake := newFakeSessions()
	client, srv := dial(t, fake)
	client.start()

	client.ws.Close()

	select {
	case reason := <-fake.endCalls:
		if reason != "disconnect" {
			t.Fatalf("expected disconnect reason, got %s", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session was not ended on disconnect")
	}
	select {
	case reason := <-fake.endCalls:
		t.Fatalf("session ended twice (%s)", reason)
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.Now().Add(time.Second)
	for srv.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Count() != 0 {
		t.Fatalf("expected connection retired")
	}
}

func TestExplicitEndIsNotRepeatedOnDisconnect(t *testing.T) {
	fake := newFakeSessions()
	client, _ := dial(t, fake)
	client.start()

	id := client.request(EventSessionEnd, nil)
	if ack := client.expectAck(id); !ack.Success {
		t.Fatalf("unexpected end ack %+v", ack)
	}
	<-fake.endCalls
	client.ws.Close()

	select {
	case reason := <-fake.endCalls:
		t.Fatalf("unexpected second end (%s)", reason)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAllowOriginsGuardsUpgrade(t *testing.T) {
	srv := NewServer(logger.NewNop(), newFakeSessions(), nil)
	srv.AllowOrigins("https://chat.example.com/")
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "configured origin", origin: "https://chat.example.com", ok: true},
		{name: "no origin header", origin: "", ok: true},
		{name: "foreign origin", origin: "https://evil.example.net", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			ws, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				ws.Close()
				return
			}
			if err == nil {
				ws.Close()
				t.Fatalf("expected upgrade to be refused")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403, got %v", resp)
			}
		})
	}
}
