// Package gateway is the HTTP front of bizagent. It serves the public agent
// session transports (SSE and socket), the admin API behind JWT login and a
// health probe, all on the configured gateway port.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v5"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"go.uber.org/zap"

	"bizagent/pkg/business"
	"bizagent/pkg/bus"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/cron"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/session"
	"bizagent/pkg/transport/socket"
	"bizagent/pkg/transport/sse"
)

// Server is the gateway HTTP server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	config     *config.Config
	logger     *logger.Logger

	links         *links.Manager
	conversations *conversation.Store
	businesses    *business.Directory
	sessions      *session.Manager
	jobs          *cron.Manager
	bus           bus.Bus
	socket        *socket.Server
	jwtSecret     []byte
	startedAt     time.Time
}

// NewServer creates the gateway server.
func NewServer(
	cfg *config.Config,
	log *logger.Logger,
	linkMgr *links.Manager,
	store *conversation.Store,
	directory *business.Directory,
	sessions *session.Manager,
	jobs *cron.Manager,
	activityBus bus.Bus,
) (*Server, error) {
	secret, err := resolveJWTSecret(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret is empty, using an ephemeral secret; admin tokens will not survive restarts")
	}
	if cfg.Auth.PasswordHash == "" {
		log.Warn("auth.password_hash is empty, admin login is disabled (see `bizagent hash-password`)")
	}

	s := &Server{
		config:        cfg,
		logger:        log,
		links:         linkMgr,
		conversations: store,
		businesses:    directory,
		sessions:      sessions,
		jobs:          jobs,
		bus:           activityBus,
		socket:        socket.NewServer(log.Named("socket"), sessions, cfg.SessionSnapshot),
		jwtSecret:     secret,
		startedAt:     time.Now(),
	}
	s.setup()
	return s, nil
}

func (s *Server) setup() {
	e := echo.New()

	// Middleware
	e.Use(middleware.Recover())
	origins := s.config.Gateway.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.socket.AllowOrigins(origins...)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))

	// Public routes
	e.GET("/health", s.handleHealth)
	e.POST("/api/auth/login", s.handleLogin)

	// Agent session transports (authorized by access link token)
	sse.NewHandler(s.logger.Named("sse"), s.sessions).Register(e.Group("/api/agent"))
	e.GET("/ws/agent", s.socket.Handle)

	// Protected admin routes
	admin := e.Group("/api/admin")
	admin.Use(echojwt.WithConfig(echojwt.Config{
		KeyFunc: func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.jwtSecret, nil
		},
	}))

	admin.GET("/status", s.handleStatus)

	// Business routes
	admin.GET("/businesses", s.handleListBusinesses)
	admin.POST("/businesses", s.handleCreateBusiness)
	admin.GET("/businesses/:id", s.handleGetBusiness)
	admin.PUT("/businesses/:id/settings", s.handleUpdateBusinessSettings)

	// Link routes
	admin.GET("/links", s.handleListLinks)
	admin.POST("/links", s.handleCreateLink)
	admin.GET("/links/:id", s.handleGetLink)
	admin.POST("/links/:id/cancel", s.handleCancelLink)

	// Conversation routes
	admin.GET("/conversations", s.handleListConversations)
	admin.GET("/conversations/:id", s.handleGetConversation)
	admin.GET("/conversations/:id/messages", s.handleListMessages)

	// Live session routes
	admin.GET("/sessions", s.handleListSessions)
	admin.DELETE("/sessions/:id", s.handleEndSession)

	// Maintenance job routes
	admin.GET("/jobs", s.handleListJobs)
	admin.POST("/jobs/:name/run", s.handleRunJob)

	s.echo = e
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the gateway server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.logger.Info("Gateway server starting",
		zap.String("addr", addr),
	)

	// Use http.Server directly so shutdown is driven by the fx lifecycle.
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Gateway server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Gateway server stopping")
	s.socket.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
