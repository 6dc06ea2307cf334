package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/server/handler"
	"github.com/alanyoungcy/tvrelay/internal/server/middleware"
	"github.com/alanyoungcy/tvrelay/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	CORSOrigins  []string
	APIKey       string // if empty, /api is open
	RateLimitRPS int    // webhook requests per second per client IP
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string // empty disables /metrics
}

// Handlers aggregates the route handlers. Webhook, Positions' close, Paper
// and Metrics may be nil depending on the mode.
type Handlers struct {
	Health    *handler.HealthHandler
	Webhook   *handler.WebhookHandler
	Signals   *handler.SignalHandler
	Positions *handler.PositionHandler
	Balance   *handler.BalanceHandler
	Paper     *handler.PaperHandler
	Metrics   http.Handler
}

// Server is the relay's HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging and CORS.
// limiter guards the webhook; nil disables rate limiting.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	if handlers.Webhook != nil {
		limit := middleware.RateLimit(limiter, "webhook", cfg.RateLimitRPS, time.Second, logger)
		mux.Handle("POST /webhook", limit(http.HandlerFunc(handlers.Webhook.Receive)))
	}

	api := middleware.Auth(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, api(fn))
	}
	route("GET /api/signals/status", handlers.Signals.Status)
	route("GET /api/signals/recent", handlers.Signals.Recent)
	route("GET /api/positions", handlers.Positions.ListPositions)
	route("GET /api/positions/{id}", handlers.Positions.GetPosition)
	route("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	route("GET /api/balance/{asset}", handlers.Balance.GetBalance)
	if handlers.Paper != nil {
		route("POST /api/paper/price", handlers.Paper.SetPrice)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	if handlers.Metrics != nil && cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	readTimeout, writeTimeout := cfg.ReadTimeout, cfg.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           h,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the assembled handler chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
