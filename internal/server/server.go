package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/staffcall/internal/api"
	"github.com/observer/staffcall/internal/config"
	"github.com/observer/staffcall/internal/middleware"
)

// Pinger reports broker health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Broker      Pinger
	CallHandler *api.CallHandler
	WSHandler   http.Handler
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	// Register routes
	registerRoutes(mux, deps)

	// Wrap with middleware
	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	// No WriteTimeout: it would cut long-lived WebSocket connections
	return &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies the signaling broker
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Broker.Ping(ctx); err != nil {
			deps.Logger.Warn("readiness check failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"broker unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	limit := func(h http.Handler) http.Handler {
		if deps.RateLimiter == nil {
			return h
		}
		return deps.RateLimiter.Middleware(h)
	}

	// =========================================================================
	// Call routes
	// =========================================================================
	mux.Handle("GET /calls/config", limit(http.HandlerFunc(deps.CallHandler.GetConfig)))
	mux.Handle("GET /calls/sessions", limit(http.HandlerFunc(deps.CallHandler.ListSessions)))

	// =========================================================================
	// WebSocket route
	// =========================================================================
	mux.Handle("GET /ws", limit(deps.WSHandler))
}
