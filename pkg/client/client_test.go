package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bizagent/pkg/agent"
	"bizagent/pkg/business"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
	"bizagent/pkg/storage"
	"bizagent/pkg/transport/socket"
)

type stack struct {
	url   string
	links *links.Manager
	store *conversation.Store
	biz   *business.Business
}

func newStack(t *testing.T, gen agent.Generator) *stack {
	t.Helper()
	db, err := storage.OpenGorm("sqlite", filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })

	log := logger.NewNop()
	linkMgr, err := links.NewManager(log, db, 0)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	store, err := conversation.NewStore(log, db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	directory, err := business.NewDirectory(log, db)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	biz, err := directory.Create(context.Background(), business.CreateInput{Name: "Cafe Nord"})
	if err != nil {
		t.Fatalf("business: %v", err)
	}

	manager := session.NewManager(session.Deps{
		Log:           log,
		Links:         linkMgr,
		Conversations: store,
		Businesses:    directory,
		Generator:     gen,
	})
	srv := socket.NewServer(log, manager, func() config.SessionConfig { return config.DefaultConfig().Session })
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	return &stack{
		url:   "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
		links: linkMgr,
		store: store,
		biz:   biz,
	}
}

func (s *stack) token(t *testing.T, typ links.Type) string {
	t.Helper()
	link, err := s.links.Create(context.Background(), links.CreateInput{BusinessID: s.biz.ID, Type: typ})
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	return link.Token
}

type recorder struct {
	NopHandler
	mu     sync.Mutex
	text   strings.Builder
	typing []bool
	ends   chan ServerEvent
}

func newRecorder() *recorder {
	return &recorder{ends: make(chan ServerEvent, 4)}
}

func (r *recorder) OnMessage(m Message) {
	r.mu.Lock()
	r.text.WriteString(m.Chunk)
	r.mu.Unlock()
	if m.IsComplete {
		r.ends <- m
	}
}

func (r *recorder) OnTyping(t Typing) {
	r.mu.Lock()
	r.typing = append(r.typing, t.IsTyping)
	r.mu.Unlock()
}

func (r *recorder) OnInterrupted(ev Interrupted)  { r.ends <- ev }
func (r *recorder) OnAgentError(ev AgentError)    { r.ends <- ev }
func (r *recorder) OnSessionEnded(ev SessionEnded) { r.ends <- ev }

func (r *recorder) waitEnd(t *testing.T) ServerEvent {
	t.Helper()
	select {
	case ev := <-r.ends:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for turn end")
		return nil
	}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, c.State())
}

func TestClientConversation(t *testing.T) {
	gen := agent.GeneratorFunc(func(ctx context.Context, req *agent.Request, emit agent.Emit) error {
		for _, part := range []string{"We open ", "at 8."} {
			if err := emit(agent.Chunk{Text: part}); err != nil {
				return err
			}
		}
		return nil
	})
	st := newStack(t, gen)

	var states []State
	var statesMu sync.Mutex
	rec := newRecorder()
	c := New(Options{
		URL:     st.url,
		Handler: rec,
		OnStateChange: func(from, to State) {
			statesMu.Lock()
			states = append(states, to)
			statesMu.Unlock()
		},
	})
	ctx := context.Background()

	if err := c.Send(ctx, "too early"); err == nil {
		t.Fatalf("expected send before connect to fail")
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}

	started, err := c.StartSession(ctx, st.token(t, links.TypeMultiUse))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Session.SessionID == "" || started.WelcomeMessage == "" {
		t.Fatalf("unexpected start %+v", started)
	}

	if err := c.Send(ctx, "when do you open?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := rec.waitEnd(t).(Message); !ok {
		t.Fatalf("expected completion marker")
	}
	waitState(t, c, StateConnected)

	rec.mu.Lock()
	text, typing := rec.text.String(), append([]bool(nil), rec.typing...)
	rec.mu.Unlock()
	if text != "We open at 8." {
		t.Fatalf("unexpected text %q", text)
	}
	if len(typing) != 2 || !typing[0] || typing[1] {
		t.Fatalf("unexpected typing sequence %v", typing)
	}

	messages, err := st.store.Messages(ctx, started.Session.ConversationID)
	if err != nil || len(messages) != 2 {
		t.Fatalf("expected persisted exchange, got %v (%v)", messages, err)
	}

	if err := c.EndSession(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	conv, _ := st.store.Get(ctx, started.Session.ConversationID)
	if conv.Status != conversation.StatusCompleted {
		t.Fatalf("expected conversation completed, got %s", conv.Status)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after disconnect, got %s", c.State())
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	want := []State{StateConnecting, StateConnected, StateProcessing, StateConnected, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestClientStartRejected(t *testing.T) {
	st := newStack(t, agent.GeneratorFunc(func(ctx context.Context, req *agent.Request, emit agent.Emit) error { return nil }))
	token := st.token(t, links.TypeSingleUse)

	first := New(Options{URL: st.url})
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer first.Disconnect()
	if _, err := first.StartSession(context.Background(), token); err != nil {
		t.Fatalf("first start: %v", err)
	}

	second := New(Options{URL: st.url})
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer second.Disconnect()
	_, err := second.StartSession(context.Background(), token)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Tag != "InvalidStatus" {
		t.Fatalf("expected InvalidStatus, got %v", err)
	}
}

func TestClientInterrupt(t *testing.T) {
	streaming := make(chan struct{})
	gen := agent.GeneratorFunc(func(ctx context.Context, req *agent.Request, emit agent.Emit) error {
		if err := emit(agent.Chunk{Text: "Once upon a time"}); err != nil {
			return err
		}
		close(streaming)
		<-ctx.Done()
		return ctx.Err()
	})
	st := newStack(t, gen)

	rec := newRecorder()
	c := New(Options{URL: st.url, Handler: rec})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	if _, err := c.StartSession(ctx, st.token(t, links.TypeMultiUse)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Send(ctx, "tell me a story"); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-streaming

	var te *TransitionError
	if err := c.Send(ctx, "another"); !errors.As(err, &te) {
		t.Fatalf("expected local rejection while processing, got %v", err)
	}

	if err := c.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if _, ok := rec.waitEnd(t).(Interrupted); !ok {
		t.Fatalf("expected interrupted marker")
	}
	waitState(t, c, StateConnected)
}

func TestClientConnectionLoss(t *testing.T) {
	st := newStack(t, agent.GeneratorFunc(func(ctx context.Context, req *agent.Request, emit agent.Emit) error { return nil }))
	c := New(Options{URL: st.url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	ws.Close()

	waitState(t, c, StateError)
	if _, err := c.StartSession(context.Background(), "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestDecodeAndDispatch(t *testing.T) {
	env := socket.Envelope{Event: socket.EventAgentTool, Data: []byte(`{"status":"end","toolName":"record_note","success":false}`)}
	ev, err := Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tool, ok := ev.(Tool)
	if !ok || tool.Success == nil || *tool.Success || tool.ToolName != "record_note" {
		t.Fatalf("unexpected tool event %#v", ev)
	}

	if _, err := Decode(socket.Envelope{Event: "agent:unknown"}); err == nil {
		t.Fatalf("expected unknown event error")
	}
	if ev, err := Decode(socket.Envelope{Event: socket.EventAgentInterrupted}); err != nil || !IsTurnEnd(ev) {
		t.Fatalf("expected interrupted turn end, got %v %v", ev, err)
	}

	rec := newRecorder()
	Dispatch(rec, Message{Chunk: "hi"})
	Dispatch(rec, Typing{IsTyping: true})
	if rec.text.String() != "hi" || len(rec.typing) != 1 {
		t.Fatalf("dispatch did not reach handler")
	}
}
