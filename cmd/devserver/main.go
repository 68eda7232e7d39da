// Dialog reference server: serves the confirmation dialog, task, pipeline
// and realtime routes the dialog client talks to.
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

	"github.com/ashureev/dialog-sync/internal/api"
	"github.com/ashureev/dialog-sync/internal/config"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/flow"
	"github.com/ashureev/dialog-sync/internal/hub"
	"github.com/ashureev/dialog-sync/internal/middleware"
	"github.com/ashureev/dialog-sync/internal/pipeline"
	"github.com/ashureev/dialog-sync/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Server.Port, "dev", cfg.Server.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.Server.DBPath)
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
	slog.Info("Database connected", "path", cfg.Server.DBPath)

	realtime := hub.New(logger)
	tracker := pipeline.New(realtime, cfg.Server.PipelineStep, logger)
	defer tracker.Close()
	flows := flow.NewRegistry()

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, flows, realtime, tracker, logger)
	healthHandler := api.NewHealthHandler(repo, cfg.Server.HealthTimeout, flows.Len)
	wsHandler := hub.NewHandler(realtime, cfg.Server.FrontendURL, cfg.Server.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.AllowedOrigins(cfg.Server.FrontendURL)))

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// WriteTimeout stays 0 so websocket connections are not cut.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartSweeper(ctx, repo, cfg.Server.SessionTTL, store.DefaultSweepInterval, func(sessionID string) {
		flows.Remove(sessionID)
		apiHandler.Forget(sessionID)
		realtime.CloseSession(sessionID)
	})

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	realtime.BroadcastAll(shutdownCtx, events.TypeSystem, events.SystemBroadcast{Level: "warning", Message: "server shutting down"})
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
