package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"bizagent/pkg/config"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
)

const (
	maxFrameBytes = 65536
	writeWait     = 10 * time.Second
	sendBuffer    = 256
)

// Sessions is the part of the session manager the socket transport drives.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*session.StartedEvent, error)
	Dispatch(sessionID, message string, sink session.Sink) error
	Interrupt(sessionID string) error
	Typing(sessionID string, isTyping bool) error
	End(ctx context.Context, sessionID, reason string) (*session.EndResult, error)
}

var errConnClosed = errors.New("connection closed")

// Server accepts socket connections. Each connection owns at most one
// session, which is ended when the connection goes away.
type Server struct {
	log      *logger.Logger
	sessions Sessions
	settings func() config.SessionConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// conn is one connected client.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// NewServer creates a socket transport. settings is read per connection.
func NewServer(log *logger.Logger, sessions Sessions, settings func() config.SessionConfig) *Server {
	if settings == nil {
		defaults := config.DefaultConfig().Session
		settings = func() config.SessionConfig { return defaults }
	}
	return &Server{
		log:      log,
		sessions: sessions,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// AllowOrigins restricts browser upgrades to the given origins. An empty
// list or "*" accepts any origin. Requests without an Origin header come
// from non-browser clients and are always accepted.
func (s *Server) AllowOrigins(origins ...string) {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
			return
		}
		if origin != "" {
			allowed[origin] = true
		}
	}
	if len(allowed) == 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
		return
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[strings.TrimRight(strings.ToLower(origin), "/")]
	}
}

// Handle is the echo route handler.
func (s *Server) Handle(c *echo.Context) error {
	s.ServeHTTP(c.Response(), c.Request())
	return nil
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.log.Info("Socket client connected", zap.String("conn_id", c.id))

	cfg := s.settings()
	go s.readPump(c, cfg.PongTimeout())
	go s.writePump(c, cfg.PingInterval())
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close drops every connection. Their sessions are ended by the read pumps.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) readPump(c *conn, pongTimeout time.Duration) {
	defer func() {
		s.disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	if pongTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		c.ws.SetPongHandler(func(string) error {
			c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
	}

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Socket read error",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
		if pongTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			s.emit(c, EventSessionError, nil, ErrorPayload{Error: "invalid message format"})
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) writePump(c *conn, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *conn, env Envelope) {
	switch env.Event {
	case EventSessionStart:
		s.handleStart(c, env)
	case EventSessionEnd:
		s.handleEnd(c, env)
	case EventAgentSend:
		s.handleSend(c, env)
	case EventAgentInterrupt:
		err := s.withSession(c, s.sessions.Interrupt)
		s.ack(c, env.ID, err)
	case EventUserTyping:
		var payload TypingPayload
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &payload)
		}
		err := s.withSession(c, func(id string) error { return s.sessions.Typing(id, payload.IsTyping) })
		s.ack(c, env.ID, err)
	default:
		if env.ID != nil {
			s.emit(c, EventAck, env.ID, Ack{Error: ErrTagUnknownEvent})
			return
		}
		s.emit(c, EventSessionError, nil, ErrorPayload{Error: ErrTagUnknownEvent})
	}
}

func (s *Server) handleStart(c *conn, env Envelope) {
	var payload StartPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || strings.TrimSpace(payload.Token) == "" {
		s.emit(c, EventAck, env.ID, Ack{Error: ErrTagInvalidPayload})
		return
	}
	if c.session() != "" {
		s.emit(c, EventAck, env.ID, Ack{Error: ErrTagSessionAlreadyStarted})
		return
	}

	started, err := s.sessions.Start(context.Background(), session.StartRequest{
		Token:          payload.Token,
		ConversationID: payload.ConversationID,
	})
	if err != nil {
		tag := session.ErrorTag(err)
		s.emit(c, EventSessionError, nil, ErrorPayload{Error: tag})
		s.emit(c, EventAck, env.ID, Ack{Error: tag})
		return
	}

	if !c.bind(started.Session.SessionID) {
		// The connection dropped while the session was being created.
		s.endSession(started.Session.SessionID, "disconnect")
		return
	}
	s.emit(c, EventSessionStarted, nil, started)
	s.emit(c, EventAck, env.ID, Ack{Success: true})
}

func (s *Server) handleEnd(c *conn, env Envelope) {
	sessionID := c.unbind()
	if sessionID == "" {
		s.ack(c, env.ID, session.ErrSessionNotFound)
		return
	}
	_, err := s.sessions.End(context.Background(), sessionID, "client")
	s.ack(c, env.ID, err)
}

func (s *Server) handleSend(c *conn, env Envelope) {
	var payload SendPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		s.emit(c, EventAck, env.ID, Ack{Error: ErrTagInvalidPayload})
		return
	}
	sessionID := c.session()
	if sessionID == "" {
		s.ack(c, env.ID, session.ErrSessionNotFound)
		return
	}

	sink := &turnSink{server: s, conn: c, ready: make(chan struct{})}
	err := s.sessions.Dispatch(sessionID, payload.Message, sink)
	s.ack(c, env.ID, err)
	// Turn events follow the ack.
	close(sink.ready)
}

func (s *Server) withSession(c *conn, fn func(sessionID string) error) error {
	sessionID := c.session()
	if sessionID == "" {
		return session.ErrSessionNotFound
	}
	return fn(sessionID)
}

func (s *Server) ack(c *conn, id *int64, err error) {
	if id == nil {
		if err != nil {
			s.emit(c, EventSessionError, nil, ErrorPayload{Error: session.ErrorTag(err)})
		}
		return
	}
	if err != nil {
		s.emit(c, EventAck, id, Ack{Error: session.ErrorTag(err)})
		return
	}
	s.emit(c, EventAck, id, Ack{Success: true})
}

func (s *Server) emit(c *conn, event string, id *int64, data any) error {
	frame, err := Marshal(event, id, data)
	if err != nil {
		s.log.Error("Failed to encode socket frame", zap.String("event", event), zap.Error(err))
		return err
	}
	if err := c.enqueue(frame); err != nil {
		if !errors.Is(err, errConnClosed) {
			s.log.Warn("Socket send buffer full, dropping client", zap.String("conn_id", c.id))
			c.ws.Close()
		}
		return err
	}
	return nil
}

// disconnect ends the bound session exactly once and retires the connection.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	sessionID := c.shutdown()
	if sessionID != "" {
		s.endSession(sessionID, "disconnect")
	}
	s.log.Info("Socket client disconnected", zap.String("conn_id", c.id))
}

func (s *Server) endSession(sessionID, reason string) {
	if _, err := s.sessions.End(context.Background(), sessionID, reason); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.log.Warn("Failed to end session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// turnSink forwards the events of one turn once the send was acknowledged.
type turnSink struct {
	server *Server
	conn   *conn
	ready  chan struct{}
}

func (t *turnSink) Send(ev session.Event) error {
	<-t.ready
	name, payload := EncodeEvent(ev)
	if name == "" {
		return nil
	}
	if err := t.server.emit(t.conn, name, nil, payload); err != nil {
		return err
	}
	if _, ended := ev.(session.SessionEndEvent); ended {
		t.conn.unbind()
	}
	return nil
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) bind(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sessionID = sessionID
	return true
}

func (c *conn) unbind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.sessionID
	c.sessionID = ""
	return id
}

func (c *conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// shutdown closes the outbound queue and returns the session to end.
func (c *conn) shutdown() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ""
	}
	c.closed = true
	close(c.send)
	id := c.sessionID
	c.sessionID = ""
	return id
}
