package sse

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
)

// Sessions is the part of the session manager the HTTP transport drives.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*session.StartedEvent, error)
	Send(ctx context.Context, sessionID, message string, sink session.Sink) error
	Interrupt(sessionID string) error
	End(ctx context.Context, sessionID, reason string) (*session.EndResult, error)
}

// Handler serves the agent session API.
type Handler struct {
	log      *logger.Logger
	sessions Sessions
}

// NewHandler creates the HTTP transport.
func NewHandler(log *logger.Logger, sessions Sessions) *Handler {
	return &Handler{log: log, sessions: sessions}
}

// Register mounts the routes below g. Paths are relative, so g is usually
// the /api/agent group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/sessions", h.handleStart)
	g.POST("/sessions/:id/messages", h.handleMessage)
	g.POST("/sessions/:id/interrupt", h.handleInterrupt)
	g.DELETE("/sessions/:id", h.handleEnd)
}

func (h *Handler) handleStart(c *echo.Context) error {
	var body struct {
		Token          string `json:"token"`
		ConversationID string `json:"conversationId"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if strings.TrimSpace(body.Token) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "token required"})
	}

	started, err := h.sessions.Start(c.Request().Context(), session.StartRequest{
		Token:          body.Token,
		ConversationID: body.ConversationID,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, started)
}

func (h *Handler) handleMessage(c *echo.Context) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	sink := &streamSink{w: c.Response()}
	// The request context is the turn's abort signal: a client that drops the
	// stream interrupts generation.
	err := h.sessions.Send(c.Request().Context(), c.Param("id"), body.Message, sink)
	if err != nil {
		if sink.started() {
			h.log.Warn("Turn failed after stream opened", zap.String("session_id", c.Param("id")), zap.Error(err))
			return nil
		}
		return h.writeError(c, err)
	}
	if err := sink.failure(); err != nil {
		h.log.Debug("SSE stream closed early", zap.String("session_id", c.Param("id")), zap.Error(err))
	}
	return nil
}

func (h *Handler) handleInterrupt(c *echo.Context) error {
	if err := h.sessions.Interrupt(c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleEnd(c *echo.Context) error {
	result, err := h.sessions.End(c.Request().Context(), c.Param("id"), "client")
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) writeError(c *echo.Context, err error) error {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Agent session request failed", zap.String("path", c.Request().URL.Path), zap.Error(err))
		return c.JSON(status, map[string]string{"error": "internal error"})
	}
	return c.JSON(status, map[string]string{"error": session.ErrorTag(err)})
}

// StatusFor maps session and link errors to HTTP status codes.
func StatusFor(err error) int {
	if reason, ok := links.ReasonOf(err); ok {
		if reason == links.ReasonExpired {
			return http.StatusGone
		}
		return http.StatusForbidden
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// streamSink opens the event stream on the first event, so a rejected send
// can still answer with a JSON error.
type streamSink struct {
	w http.ResponseWriter

	mu     sync.Mutex
	writer *Writer
	err    error
}

func (s *streamSink) Send(ev session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.writer == nil {
		writer, err := New(s.w)
		if err != nil {
			s.err = err
			return err
		}
		header := s.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.writer = writer
	}
	if err := s.writer.SendEvent(ev); err != nil {
		s.err = err
		return err
	}
	return nil
}

func (s *streamSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer != nil
}

func (s *streamSink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
