package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/linluma/signalwatch/candles/exchanges"
	"github.com/linluma/signalwatch/shared/logging"
)

// HealthSource reports the state of the market-data connection
type HealthSource interface {
	GetConnectionHealth() exchanges.ConnectionHealth
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status           string     `json:"status"`
	Message          string     `json:"message,omitempty"`
	Connected        bool       `json:"connected"`
	ConsecutiveFails int        `json:"consecutive_fails"`
	RetryAttempt     int        `json:"retry_attempt"`
	ConnectedSince   *time.Time `json:"connected_since,omitempty"`
}

// OpsServer serves /healthz and /metrics
type OpsServer struct {
	echo   *echo.Echo
	health HealthSource
	logger *zap.Logger
}

// NewOpsServer creates the ops HTTP server. gatherer backs /metrics.
func NewOpsServer(health HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *OpsServer {
	s := &OpsServer{
		echo:   echo.New(),
		health: health,
		logger: logging.OrNop(logger).Named("ops"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return s
}

func (s *OpsServer) healthz(c echo.Context) error {
	h := s.health.GetConnectionHealth()
	resp := HealthResponse{
		Status:           "ok",
		Connected:        h.Connected,
		ConsecutiveFails: h.ConsecutiveFails,
		RetryAttempt:     h.RetryAttempt,
	}
	if h.Connected {
		since := h.ConnectedSince
		resp.ConnectedSince = &since
	}

	switch {
	case h.Fatal:
		resp.Status = "fatal"
		resp.Message = "data unavailable, reconnection abandoned"
		return c.JSON(http.StatusServiceUnavailable, resp)
	case !h.Connected:
		resp.Status = "degraded"
		resp.Message = "data unavailable, retrying"
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler exposes the router for tests
func (s *OpsServer) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown
func (s *OpsServer) Start(addr string) error {
	s.logger.Info("Ops server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *OpsServer) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}
