package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatrelay/internal/config"
	"chatrelay/internal/relay"
	"chatrelay/internal/retention"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	// Streamed replies from local models can run for minutes.
	writeTimeout       = 10 * time.Minute
	idleTimeout        = 120 * time.Second
	healthCheckTimeout = 5 * time.Second

	ownerContextKey = "owner_id"
)

type Server struct {
	cfg           config.Config
	conversations *retention.Manager
	relay         *relay.Relay
	logger        *slog.Logger
	app           *echo.Echo
	address       string
}

// New constructs an HTTP server wired with routing and middleware. A nil logger falls back
// to slog.Default.
func New(cfg config.Config, conversations *retention.Manager, rl *relay.Relay, logger *slog.Logger) (*Server, error) {
	if conversations == nil {
		return nil, errors.New("conversation manager must not be nil")
	}
	if rl == nil {
		return nil, errors.New("relay must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAccept, "Cache-Control", cfg.Server.OwnerHeader},
	}))

	srv := &Server{
		cfg:           cfg,
		conversations: conversations,
		relay:         rl,
		logger:        logger,
		app:           e,
		address:       fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed application, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	s.logger.Info("starting server", "addr", s.address, "provider", s.relay.Provider().Name())

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	api := s.app.Group("/api", s.requireOwner)
	api.GET("/models", s.handleModels)
	api.POST("/models/pull", s.handleModelPull)
	api.GET("/models/:name", s.handleModelInfo)
	api.GET("/models/:name/check", s.handleModelCheck)
	api.DELETE("/models/:name", s.handleModelDelete)
	api.GET("/conversations", s.handleListConversations)
	api.POST("/conversations", s.handleCreateConversation)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.PATCH("/conversations/:id", s.handleRenameConversation)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.POST("/chat", s.handleChat)
	api.POST("/chat/stream", s.handleChatStream)
}

// requireOwner resolves the caller identity forwarded by the authenticating gateway.
func (s *Server) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(s.cfg.Server.OwnerHeader)
		if owner == "" {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: fmt.Sprintf("missing %s header", s.cfg.Server.OwnerHeader),
				Type:    "authentication_error",
			}
		}
		c.Set(ownerContextKey, owner)
		return next(c)
	}
}

func ownerOf(c echo.Context) string {
	owner, _ := c.Get(ownerContextKey).(string)
	return owner
}

func (s *Server) printStartupBanner() {
	host := "127.0.0.1"
	port := s.cfg.Server.Port
	fmt.Println()
	fmt.Println("chatrelay ready")
	fmt.Printf("Listening on http://%s:%d (provider: %s)\n", host, port, s.cfg.ActiveProvider)
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /health")
	fmt.Println("  GET    /api/models")
	fmt.Println("  GET    /api/models/:name")
	fmt.Println("  GET    /api/models/:name/check")
	fmt.Println("  POST   /api/models/pull")
	fmt.Println("  DELETE /api/models/:name")
	fmt.Println("  GET    /api/conversations")
	fmt.Println("  POST   /api/conversations")
	fmt.Println("  GET    /api/conversations/:id")
	fmt.Println("  PATCH  /api/conversations/:id")
	fmt.Println("  DELETE /api/conversations/:id")
	fmt.Println("  POST   /api/chat")
	fmt.Println("  POST   /api/chat/stream")
	fmt.Printf("Example:\n  curl -N http://%s:%d/api/chat/stream -H '%s: alice' -H 'Content-Type: application/json' -d '{\"conversationId\":\"new\",\"message\":\"hello\"}'\n\n",
		host, port, s.cfg.Server.OwnerHeader)
}
