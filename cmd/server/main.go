// Quarry - Sandbox Session Coordinator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/quarrylabs/quarry/internal/api"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/conversation"
	"github.com/quarrylabs/quarry/internal/coordinator"
	"github.com/quarrylabs/quarry/internal/fanout"
	"github.com/quarrylabs/quarry/internal/gateway"
	"github.com/quarrylabs/quarry/internal/middleware"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/router"
	"github.com/quarrylabs/quarry/internal/sandbox"
	"github.com/quarrylabs/quarry/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting coordinator", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	controller, err := sandbox.NewDockerController(cfg.Sandbox, cfg.CoordinatorURL)
	if err != nil {
		slog.Error("Failed to initialize sandbox controller", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox controller initialized")

	networkID, err := controller.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	// Initialize services.
	bus := fanout.New()
	msgs := queue.NewMemory()
	gw := gateway.New(repo, bus, coordinator.IsWorkEvent, controller)
	restarter := coordinator.NewRestarter(repo, msgs, controller, gw, cfg.Idle.MaxRestarts)
	coord := coordinator.New(repo, msgs, controller, gw, restarter, cfg.Idle)

	// Legacy conversation service (optional).
	var legacy conversation.Service
	if cfg.LegacyAgentAddr != "" {
		slog.Info("Connecting to legacy conversation service", "address", cfg.LegacyAgentAddr)
		client, err := conversation.NewGrpcClient(cfg.LegacyAgentAddr, logger)
		if err != nil {
			slog.Warn("Legacy conversation service unavailable, legacy routing disabled", "error", err)
		} else {
			defer client.Close()
			legacy = client
		}
	} else {
		slog.Info("Legacy routing disabled (LEGACY_AGENT_ADDR not set)")
	}
	rtr := router.New(repo, msgs, gw, legacy)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, gw, coord, rtr, msgs, controller)
	healthHandler := api.NewHealthHandler(repo)
	sandboxHandler := api.NewSandboxHandler(baseHandler)
	taskHandler := api.NewTaskHandler(baseHandler)
	streamHandler := api.NewStreamHandler(repo, bus, cfg.AllowedOrigin, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigin))

	healthHandler.RegisterHealth(r)
	sandboxHandler.RegisterRoutes(r)
	taskHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Create server.
	// Note: WebSocket streams require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the health/idle evaluation loop.
	coord.Run(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
