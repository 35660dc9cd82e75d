// Package server exposes the operator HTTP API: health, pipeline status,
// kill switch control, exposure queries, and order views.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/server/handler"
	"github.com/polymirror/mirrorbot/internal/server/middleware"
	"github.com/polymirror/mirrorbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	KillSwitch *handler.KillSwitchHandler
	Exposure   *handler.ExposureHandler
	Orders     *handler.OrderHandler
}

// Server is the operator HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and builds the middleware chain. limiter may
// be nil to skip API rate limiting; wsHub may be nil when Redis is not
// configured.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness and readiness, no auth.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Readiness)

	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/audit", handlers.Status.ListAudit)

	mux.HandleFunc("GET /api/killswitch", handlers.KillSwitch.GetStatus)
	mux.HandleFunc("POST /api/killswitch/trip", handlers.KillSwitch.Trip)
	mux.HandleFunc("POST /api/killswitch/reset", handlers.KillSwitch.Reset)

	mux.HandleFunc("GET /api/exposure", handlers.Exposure.GetExposure)
	mux.HandleFunc("GET /api/exposure/{market}", handlers.Exposure.GetMarketExposure)

	mux.HandleFunc("GET /api/orders/inflight", handlers.Orders.ListInFlight)
	mux.HandleFunc("GET /api/orders/market/{market}", handlers.Orders.ListByMarket)
	mux.HandleFunc("GET /api/orders/{key}", handlers.Orders.GetByKey)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil {
		h = middleware.RateLimit(limiter, 30, time.Second)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start blocks serving HTTP until the server errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
