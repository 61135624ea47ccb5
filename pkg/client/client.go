// Package client is a Go client for the socket transport. A Client is
// constructed explicitly and owns one connection and at most one session.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bizagent/pkg/logger"
	"bizagent/pkg/transport/socket"
)

var (
	// ErrNotConnected is returned when the connection is not open.
	ErrNotConnected = errors.New("client not connected")
	// ErrAckTimeout is returned when the server did not acknowledge a request.
	ErrAckTimeout = errors.New("timed out waiting for acknowledgement")
)

// RemoteError is a request rejected by the server. Tag is the server's error
// tag such as "SingleUseExhausted" or "AlreadyProcessing".
type RemoteError struct {
	Tag string
}

func (e *RemoteError) Error() string {
	return e.Tag
}

// Options configures a Client.
type Options struct {
	// URL of the socket endpoint, e.g. ws://localhost:18790/ws/agent.
	URL     string
	Handler Handler
	Dialer  *websocket.Dialer
	Logger  *logger.Logger
	// AckTimeout bounds request round trips. Zero means 10s.
	AckTimeout    time.Duration
	OnStateChange func(from, to State)
}

// Client talks to the agent over the socket transport.
type Client struct {
	opts    Options
	machine *machine
	log     *logger.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
	nextID  int64
	pending map[int64]chan socket.Ack
	started *SessionStarted
	closing bool
	done    chan struct{}
}

// New creates a client. Nothing is dialed until Connect.
func New(opts Options) *Client {
	if opts.Handler == nil {
		opts.Handler = NopHandler{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		opts:    opts,
		machine: newMachine(opts.OnStateChange),
		log:     log,
		pending: make(map[int64]chan socket.Ack),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.machine.current()
}

// Connect dials the server.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.machine.fire(TransitionConnect); err != nil {
		return err
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		_ = c.machine.fire(TransitionFail)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.closing = false
	c.started = nil
	c.done = done
	c.mu.Unlock()

	if err := c.machine.fire(TransitionConnected); err != nil {
		ws.Close()
		return err
	}
	go c.readLoop(ws, done)
	return nil
}

// Disconnect closes the connection. The server ends any open session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	ws, done := c.ws, c.done
	c.closing = true
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return c.machine.fire(TransitionDisconnect)
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := ws.Close()
	<-done
	if ferr := c.machine.fire(TransitionDisconnect); ferr != nil {
		return ferr
	}
	return err
}

// StartSession opens a session with an access link token.
func (c *Client) StartSession(ctx context.Context, token string) (*SessionStarted, error) {
	return c.startSession(ctx, socket.StartPayload{Token: token})
}

// ResumeSession reopens an active conversation of the same link.
func (c *Client) ResumeSession(ctx context.Context, token, conversationID string) (*SessionStarted, error) {
	return c.startSession(ctx, socket.StartPayload{Token: token, ConversationID: conversationID})
}

func (c *Client) startSession(ctx context.Context, payload socket.StartPayload) (*SessionStarted, error) {
	if err := c.request(ctx, socket.EventSessionStart, payload); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started == nil {
		return nil, fmt.Errorf("session started without announcement")
	}
	started := *c.started
	return &started, nil
}

// Send submits a user message. It returns once the server accepted the turn;
// the answer arrives through the Handler.
func (c *Client) Send(ctx context.Context, message string) error {
	if err := c.machine.fire(TransitionSend); err != nil {
		return err
	}
	if err := c.request(ctx, socket.EventAgentSend, socket.SendPayload{Message: message}); err != nil {
		if c.machine.current() == StateProcessing {
			_ = c.machine.fire(TransitionTurnDone)
		}
		return err
	}
	return nil
}

// Interrupt cancels the turn in progress.
func (c *Client) Interrupt() error {
	return c.notify(socket.EventAgentInterrupt, nil)
}

// Typing reports the user typing indicator.
func (c *Client) Typing(isTyping bool) error {
	return c.notify(socket.EventUserTyping, socket.TypingPayload{IsTyping: isTyping})
}

// EndSession closes the session and keeps the connection open.
func (c *Client) EndSession(ctx context.Context) error {
	err := c.request(ctx, socket.EventSessionEnd, nil)
	c.mu.Lock()
	c.started = nil
	c.mu.Unlock()
	return err
}

// Session returns the session announced by the server, if any.
func (c *Client) Session() *SessionStarted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started == nil {
		return nil
	}
	started := *c.started
	return &started
}

func (c *Client) request(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ackCh := make(chan socket.Ack, 1)
	c.pending[id] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(event, &id, data); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ackCh:
		if !ok {
			return ErrNotConnected
		}
		if !ack.Success {
			return &RemoteError{Tag: ack.Error}
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(event string, data any) error {
	return c.write(event, nil, data)
}

func (c *Client) write(event string, id *int64, data any) error {
	frame, err := socket.Marshal(event, id, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer c.failPending()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			if !closing {
				c.log.Warn("Socket connection lost", zap.Error(err))
				_ = c.machine.fire(TransitionFail)
			}
			return
		}

		var env socket.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Debug("Ignoring malformed frame", zap.Error(err))
			continue
		}
		if env.Event == socket.EventAck {
			c.resolve(env)
			continue
		}

		ev, err := Decode(env)
		if err != nil {
			c.log.Debug("Ignoring server event", zap.String("event", env.Event), zap.Error(err))
			continue
		}
		c.observe(ev)
		Dispatch(c.opts.Handler, ev)
	}
}

// observe keeps client state in step with server events.
func (c *Client) observe(ev ServerEvent) {
	if started, ok := ev.(SessionStarted); ok {
		c.mu.Lock()
		c.started = &started
		c.mu.Unlock()
	}
	if _, ok := ev.(SessionEnded); ok {
		c.mu.Lock()
		c.started = nil
		c.mu.Unlock()
	}
	if IsTurnEnd(ev) && c.machine.current() == StateProcessing {
		_ = c.machine.fire(TransitionTurnDone)
	}
}

func (c *Client) resolve(env socket.Envelope) {
	if env.ID == nil {
		return
	}
	var ack socket.Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		ack = socket.Ack{Error: socket.ErrTagInvalidPayload}
	}
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
