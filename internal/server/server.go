package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/server/handler"
	"github.com/alanyoungcy/lmsrbot/internal/server/middleware"
	"github.com/alanyoungcy/lmsrbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per second per client on /api and /ws. Zero
	// disables limiting.
	RateLimit float64
	RateBurst int
	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Fills, Prices and Metrics are optional.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Fills   *handler.FillsHandler
	Prices  *handler.PriceHandler
	Metrics http.Handler
}

// Server exposes health probes, Prometheus metrics, the read-only status API
// and the live decision stream.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, wsHub, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Routes builds the full handler tree. Probes and metrics bypass auth and
// rate limiting so orchestrators and scrapers are never throttled.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	api.HandleFunc("GET /api/status/{asset}", handlers.Status.GetAsset)
	api.HandleFunc("GET /api/decisions", handlers.Status.ListDecisions)
	if handlers.Fills != nil {
		api.HandleFunc("GET /api/fills/{asset}", handlers.Fills.ListFills)
		api.HandleFunc("GET /api/audit", handlers.Fills.ListAudit)
	}
	if handlers.Prices != nil {
		api.HandleFunc("GET /api/prices", handlers.Prices.ListPrices)
		api.HandleFunc("GET /api/prices/{asset}", handlers.Prices.GetAsset)
	}
	if wsHub != nil {
		api.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var protected http.Handler = api
	protected = middleware.Auth(cfg.APIKey)(protected)
	if cfg.RateLimit > 0 {
		protected = middleware.RateLimit(cfg.RateLimit, cfg.RateBurst)(protected)
	}

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /live", handlers.Health.Live)
	mux.HandleFunc("GET /ready", handlers.Health.Ready)
	if handlers.Metrics != nil {
		mux.Handle("GET "+metricsPath, handlers.Metrics)
	}
	mux.Handle("/api/", protected)
	mux.Handle("/ws", protected)

	var h http.Handler = mux
	h = middleware.Logging(logger, "/live", "/ready", metricsPath)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
