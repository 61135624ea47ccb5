package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"bizagent/pkg/business"
	"bizagent/pkg/conversation"
	"bizagent/pkg/links"
	"bizagent/pkg/session"
	"bizagent/pkg/version"
)

func errorJSON(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (s *Server) internalError(c *echo.Context, op string, err error) error {
	s.logger.Error("Admin request failed", zap.String("op", op), zap.Error(err))
	return errorJSON(c, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"version":     version.Get(),
		"user":        tokenSubject(c),
		"sessions":    len(s.sessions.List()),
		"connections": s.socket.Count(),
		"bus":         s.bus.GetMetrics(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// --- Businesses ---

func (s *Server) handleListBusinesses(c *echo.Context) error {
	list, err := s.businesses.List(c.Request().Context())
	if err != nil {
		return s.internalError(c, "list businesses", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateBusiness(c *echo.Context) error {
	var input business.CreateInput
	if err := c.Bind(&input); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request")
	}
	biz, err := s.businesses.Create(c.Request().Context(), input)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, biz)
}

func (s *Server) handleGetBusiness(c *echo.Context) error {
	biz, err := s.businesses.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, business.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "business not found")
	}
	if err != nil {
		return s.internalError(c, "get business", err)
	}
	return c.JSON(http.StatusOK, biz)
}

func (s *Server) handleUpdateBusinessSettings(c *echo.Context) error {
	var settings map[string]any
	if err := c.Bind(&settings); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request")
	}
	biz, err := s.businesses.UpdateSettings(c.Request().Context(), c.Param("id"), settings)
	if errors.Is(err, business.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "business not found")
	}
	if err != nil {
		return s.internalError(c, "update business settings", err)
	}
	return c.JSON(http.StatusOK, biz)
}

// --- Links ---

func (s *Server) handleListLinks(c *echo.Context) error {
	list, err := s.links.List(c.Request().Context(), c.QueryParam("business_id"))
	if err != nil {
		return s.internalError(c, "list links", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateLink(c *echo.Context) error {
	var input links.CreateInput
	if err := c.Bind(&input); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request")
	}
	ctx := c.Request().Context()
	if _, err := s.businesses.Get(ctx, input.BusinessID); err != nil {
		if errors.Is(err, business.ErrNotFound) {
			return errorJSON(c, http.StatusBadRequest, "unknown business")
		}
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	link, err := s.links.Create(ctx, input)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	s.logger.Info("Access link created",
		zap.String("link_id", link.ID),
		zap.String("business_id", link.BusinessID),
		zap.String("type", string(link.Type)),
		zap.String("by", tokenSubject(c)))
	return c.JSON(http.StatusCreated, link)
}

func (s *Server) handleGetLink(c *echo.Context) error {
	link, err := s.links.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, links.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "link not found")
	}
	if err != nil {
		return s.internalError(c, "get link", err)
	}
	return c.JSON(http.StatusOK, link)
}

func (s *Server) handleCancelLink(c *echo.Context) error {
	link, err := s.links.Cancel(c.Request().Context(), c.Param("id"))
	if errors.Is(err, links.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "link not found")
	}
	if errors.Is(err, links.ErrNotActive) {
		return errorJSON(c, http.StatusConflict, "link is not active")
	}
	if err != nil {
		return s.internalError(c, "cancel link", err)
	}
	return c.JSON(http.StatusOK, link)
}

// --- Conversations ---

func (s *Server) handleListConversations(c *echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	list, err := s.conversations.List(c.Request().Context(), c.QueryParam("business_id"), limit)
	if err != nil {
		return s.internalError(c, "list conversations", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetConversation(c *echo.Context) error {
	conv, err := s.conversations.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return s.internalError(c, "get conversation", err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) handleListMessages(c *echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.conversations.Get(ctx, c.Param("id")); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "conversation not found")
		}
		return s.internalError(c, "get conversation", err)
	}
	msgs, err := s.conversations.Messages(ctx, c.Param("id"))
	if err != nil {
		return s.internalError(c, "list messages", err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// --- Live sessions ---

func (s *Server) handleListSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.List())
}

func (s *Server) handleEndSession(c *echo.Context) error {
	result, err := s.sessions.End(c.Request().Context(), c.Param("id"), "admin")
	if errors.Is(err, session.ErrSessionNotFound) {
		return errorJSON(c, http.StatusNotFound, "session not found")
	}
	if err != nil {
		return s.internalError(c, "end session", err)
	}
	return c.JSON(http.StatusOK, result)
}

// --- Maintenance jobs ---

func (s *Server) handleListJobs(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.jobs.ListJobs())
}

func (s *Server) handleRunJob(c *echo.Context) error {
	name := c.Param("name")
	found := false
	for _, job := range s.jobs.ListJobs() {
		if job.Name == name {
			found = true
			break
		}
	}
	if !found {
		return errorJSON(c, http.StatusNotFound, "job not found")
	}
	if err := s.jobs.RunNow(name); err != nil {
		return c.JSON(http.StatusOK, map[string]any{"name": name, "success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"name": name, "success": true})
}
