// Package server exposes the monitor HTTP API: health, Prometheus
// metrics, and stored run inspection. It is optional; the core never
// depends on it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// Server serves the monitor API.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	runs   store.Store
	logger *zap.Logger
}

// New creates the monitor server.
func New(cfg config.ServerConfig, runs store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg, runs: runs, logger: logger.Named("server")}

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/v1/runs", s.handleListRuns)
	e.GET("/api/v1/runs/:id", s.handleGetRun)

	return s
}

// Start serves until the context is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.logger.Info("monitor server listening", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor server shutdown failed: %w", err)
	}
	return nil
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	summaries, err := s.runs.ListRuns(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleGetRun(c echo.Context) error {
	runID := c.Param("id")
	state, err := s.runs.LoadRun(c.Request().Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		s.logger.Error("failed to load run", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}
	return c.JSON(http.StatusOK, state)
}
