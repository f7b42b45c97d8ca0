// Package server exposes the runtime's operational HTTP surface: health
// and Prometheus metrics, over an Echo router with graceful shutdown.
//
// Task submission and status stay in-process on the router; this server
// carries no business API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/handoffd/internal/config"
)

// Server is the operational HTTP server.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// NewServer creates the HTTP server and registers the built-in routes.
func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{cfg: cfg, echo: e}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "handoffd",
	})
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully within the configured timeout. Returns http.ErrServerClosed
// on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(s.cfg.Server.ShutdownTimeout),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
