package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/staffcall/internal/api"
	"github.com/observer/staffcall/internal/call"
	"github.com/observer/staffcall/internal/config"
	"github.com/observer/staffcall/internal/media"
	"github.com/observer/staffcall/internal/middleware"
	"github.com/observer/staffcall/internal/pubsub"
	"github.com/observer/staffcall/internal/server"
	"github.com/observer/staffcall/internal/signaling"
	"github.com/observer/staffcall/internal/websocket"
)

const limiterCleanupInterval = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// Create context for initialization
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize PubSub (in-memory for single instance, Redis across instances)
	ps, err := newPubSub(initCtx, cfg)
	if err != nil {
		slog.Error("failed to initialize pubsub", "type", cfg.PubSubType, "error", err)
		os.Exit(1)
	}
	defer ps.Close()
	slog.Info("pubsub ready", "type", cfg.PubSubType)

	// Call stack
	callCfg := callConfig(cfg)
	if !callCfg.HasRelay() {
		slog.Warn("no TURN relay configured, calls between restrictive NATs will fail", "stun_urls", callCfg.STUNURLs)
	}
	peers, err := call.NewPionFactory(callCfg)
	if err != nil {
		slog.Error("failed to initialize webrtc", "error", err)
		os.Exit(1)
	}

	source, err := newSource(cfg, logger)
	if err != nil {
		slog.Error("failed to initialize media source", "source", cfg.MediaSource, "error", err)
		os.Exit(1)
	}

	recorder, err := newRecorder(cfg.RecordDir, logger)
	if err != nil {
		slog.Error("failed to create record dir", "dir", cfg.RecordDir, "error", err)
		os.Exit(1)
	}

	signalLimiter := middleware.NewRateLimiter(cfg.SignalRatePerSec, cfg.SignalBurst)
	httpLimiter := middleware.NewPerMinute(cfg.HTTPRatePerMin)

	newManager := func(self signaling.Identity) (*call.Manager, error) {
		transport := signaling.NewPubSubTransport(ps, self, signaling.Config{Limiter: signalLimiter}, logger)
		return call.NewManager(self, callCfg, call.Deps{
			Transport: transport,
			Source:    source,
			Peers:     peers,
			Sink:      recorder,
		}, logger), nil
	}

	// Initialize WebSocket hub and handler
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := websocket.NewHub(newManager, callCfg.GetICEServers(), logger)
	go wsHub.Run(hubCtx)
	wsHandler := websocket.NewHandler(wsHub, logger)

	go cleanupLimiters(hubCtx, signalLimiter, httpLimiter)

	// Create and start server
	deps := &server.Dependencies{
		Broker:      ps,
		CallHandler: api.NewCallHandler(callCfg, wsHub, logger),
		WSHandler:   wsHandler,
		RateLimiter: httpLimiter,
		Logger:      logger,
	}

	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr, "env", cfg.Env, "media_source", cfg.MediaSource)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	// Hang up active calls before the broker goes away
	wsHub.Close()
	recorder.Wait()

	slog.Info("server stopped")
}

func newPubSub(ctx context.Context, cfg *config.Config) (pubsub.PubSub, error) {
	switch cfg.PubSubType {
	case "redis":
		ps, err := pubsub.NewRedisPubSub(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return ps, nil
	case "memory":
		return pubsub.NewMemoryPubSub(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub type %q", cfg.PubSubType)
	}
}

func newSource(cfg *config.Config, logger *slog.Logger) (media.Source, error) {
	if cfg.MediaSource == "devices" {
		return media.NewDeviceSource(logger)
	}
	return media.NewSyntheticSource(true, logger), nil
}

// newRecorder returns the remote track sink. Remote tracks are always read;
// without a directory they are only drained.
func newRecorder(dir string, logger *slog.Logger) (*media.Recorder, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		logger.Info("recording remote tracks", "dir", dir)
	}
	return media.NewRecorder(dir, logger), nil
}

func callConfig(cfg *config.Config) call.Config {
	c := call.DefaultConfig()
	c.STUNURLs = cfg.ICESTUNURLs
	c.TURNURLs = cfg.ICETURNURLs
	c.TURNUsername = cfg.TURNUsername
	c.TURNPassword = cfg.TURNPassword
	c.CandidatePoolSize = cfg.ICECandidatePoolSize
	c.IncludeLoopback = cfg.ICEIncludeLoopback
	c.SetupTimeout = cfg.CallSetupTimeout
	return c
}

func cleanupLimiters(ctx context.Context, limiters ...*middleware.RateLimiter) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Cleanup()
			}
		}
	}
}
