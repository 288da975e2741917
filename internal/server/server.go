// Package server assembles the HTTP and WebSocket API of the sync server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/micromarkets/engine/internal/server/handler"
	"github.com/micromarkets/engine/internal/server/middleware"
	"github.com/micromarkets/engine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// MirrorOnly restricts the API to the health, state blob and audit
	// endpoints, for instances that only serve as a peer mirror.
	MirrorOnly bool

	// RateLimiter is optional; when set, requests are limited to
	// RateLimit requests per RateWindow per client IP.
	RateLimiter middleware.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Groups  *handler.GroupHandler
	Markets *handler.MarketHandler
	State   *handler.StateHandler
	Audit   *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket front of the settlement engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers all routes on a ServeMux and wires the middleware chain
// (rate limiting, auth, logging, CORS).
func New(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check, no auth required.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Aggregate state blob for mirroring peers.
	mux.HandleFunc("GET /api/state", handlers.State.GetState)
	mux.HandleFunc("PUT /api/state", handlers.State.PutState)

	// Trade audit trail for peer instances.
	mux.HandleFunc("POST /record-trade", handlers.Audit.RecordTrade)

	if !cfg.MirrorOnly {
		registerEngineRoutes(mux, handlers, wsHub)
	}

	var h http.Handler = mux
	if cfg.RateLimiter != nil {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Auth(cfg.APIKey)(h)
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
		logger:     logger,
	}
}

func registerEngineRoutes(mux *http.ServeMux, handlers Handlers, wsHub *ws.Hub) {
	// Groups and membership.
	mux.HandleFunc("POST /api/groups", handlers.Groups.CreateGroup)
	mux.HandleFunc("POST /api/groups/join", handlers.Groups.JoinGroup)
	mux.HandleFunc("GET /api/groups", handlers.Groups.ListGroups)
	mux.HandleFunc("GET /api/groups/{id}", handlers.Groups.GetGroup)
	mux.HandleFunc("GET /api/groups/{id}/leaderboard", handlers.Groups.Leaderboard)
	mux.HandleFunc("GET /api/users/{id}/balance", handlers.Groups.GetBalance)

	// Markets, trading, resolution.
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/trades", handlers.Markets.Trade)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Markets.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/refresh", handlers.Markets.Refresh)
	mux.HandleFunc("GET /api/markets/{id}/history", handlers.Markets.History)
	mux.HandleFunc("GET /api/markets/{id}/transactions", handlers.Markets.Transactions)

	// Change event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
}

// Handler returns the fully wired middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
