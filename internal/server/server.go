package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"scenegen/internal/client"
	"scenegen/internal/config"
	"scenegen/internal/history"
	"scenegen/internal/metrics"
	"scenegen/internal/scene"
	"scenegen/internal/session"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Session *session.Session
	Client  *client.Client
	Scene   scene.Scene
	History *history.Store
	Metrics *metrics.Collector
}

type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *zap.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("session must not be nil")
	case deps.Client == nil:
		return nil, errors.New("client must not be nil")
	case deps.Scene == nil:
		return nil, errors.New("scene must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http"))

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
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed application, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled. A
// generation still running at shutdown is cancelled if it is waiting on
// its provider and otherwise allowed to finish.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", zap.String("addr", s.address))

	// No write timeout: /v1/events connections and synchronous generations
	// outlive any fixed response deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
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
		s.deps.Session.OnCancelClicked()
		s.deps.Session.Wait()
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	v1 := s.app.Group("/v1")
	v1.GET("/providers", s.handleProviders)
	v1.POST("/providers/:name/probe", s.handleProbe)
	v1.POST("/generate", s.handleGenerate)
	v1.POST("/generate/sync", s.handleGenerateSync)
	v1.POST("/cancel", s.handleCancel)
	v1.GET("/status", s.handleStatus)
	v1.GET("/events", s.handleEvents)
	v1.GET("/scene", s.handleScene)
	v1.GET("/history", s.handleHistory)
	v1.GET("/history/last/script", s.handleLastScript)
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("scenegen ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/providers")
	fmt.Println("  POST /v1/generate")
	fmt.Println("  POST /v1/generate/sync")
	fmt.Println("  POST /v1/cancel")
	fmt.Println("  GET  /v1/status")
	fmt.Println("  GET  /v1/events (WebSocket)")
	fmt.Println("  GET  /v1/scene")
	fmt.Println("  GET  /v1/history")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/generate/sync -H 'Content-Type: application/json' -d '{\"prompt\":\"a red sports car\"}'\n\n", host, port)
}
