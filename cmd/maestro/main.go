// Maestro coordinator — serves the HTTP API, dispatches runs to runners,
// and drives session lifecycle, callbacks, and live event streams.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/api"
	"github.com/maestro-ai/maestro/pkg/cleanup"
	"github.com/maestro-ai/maestro/pkg/config"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/masking"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/queue"
	"github.com/maestro-ai/maestro/pkg/services"
	"github.com/maestro-ai/maestro/pkg/store"
	"github.com/maestro-ai/maestro/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("MAESTRO_CONFIG", ""),
		"Path to maestro.yaml (empty: defaults + environment)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting coordinator", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Persistent store
	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 3. File-backed agent blueprints
	fileAgents := map[string]*models.AgentBlueprint{}
	if cfg.AgentsDir != "" {
		fileAgents, err = agents.LoadDir(cfg.AgentsDir)
		if err != nil {
			slog.Error("Failed to load agent blueprints", "dir", cfg.AgentsDir, "error", err)
			os.Exit(1)
		}
	}
	registry := agents.NewRegistry(fileAgents, st)
	slog.Info("Agent registry initialized", "file_agents", registry.FileAgentCount())

	// 4. Broadcaster, dispatcher, services
	broadcaster := events.NewBroadcaster()
	dispatcher := queue.NewDispatcher(st, cfg.Queue.MaxPollWait)

	eventsSvc := services.NewEventService(st, broadcaster)
	sessions := services.NewSessionService(st, broadcaster)
	callbacks := services.NewCallbackService(st, services.CallbackServiceConfig{
		BatchWindowReset:         cfg.Callbacks.BatchWindowReset,
		DefaultBatchDelaySeconds: int(cfg.Callbacks.DefaultBatchDelay / time.Second),
	})
	runs := services.NewRunService(st, registry, broadcaster, services.RunServiceConfig{
		SyncTimeout:         cfg.Queue.SyncTimeout,
		DefaultExecutorType: cfg.DefaultExecutorType,
		ResumeDelivery:      cfg.ResumeDelivery,
	})
	runners := services.NewRunnerService(st, registry, broadcaster, services.RunnerServiceConfig{
		HeartbeatInterval: cfg.Runners.HeartbeatInterval,
		StaleAfter:        cfg.Runners.StaleAfter,
		RemoveAfter:       cfg.Runners.RemoveAfter,
		SweepInterval:     cfg.Runners.SweepInterval,
	})

	eventsSvc.SetTerminalHook(callbacks)
	eventsSvc.SetMasker(masking.NewMasker())
	sessions.SetCallbacks(callbacks)
	sessions.SetEventService(eventsSvc)
	sessions.SetRegistry(registry)
	callbacks.SetRunService(runs)
	runs.SetSessionService(sessions)
	runs.SetEventService(eventsSvc)
	runs.SetCallbacks(callbacks)
	runs.SetWake(dispatcher.Wake)
	runners.SetEventService(eventsSvc)
	slog.Info("Services initialized")

	// 5. Background loops: staleness sweeper, retention, callback reload
	runners.Start()

	var retention *cleanup.Service
	if cfg.Retention.RetainFor > 0 {
		retention = cleanup.NewService(cleanup.Config{
			Retention: cfg.Retention.RetainFor,
			Interval:  cfg.Retention.SweepInterval,
		}, st)
		retention.Start(ctx)
	}

	if err := callbacks.Reload(ctx); err != nil {
		slog.Error("Failed to reload pending callbacks", "error", err)
		os.Exit(1)
	}

	// 6. HTTP server
	server := api.NewServer(api.Config{
		Addr:        cfg.ListenAddr,
		AuthEnabled: cfg.AuthEnabled,
		APIKey:      cfg.APIKey,
		AdminUsers:  cfg.AdminUsers,
	}, api.Dependencies{
		Store:       st,
		Registry:    registry,
		Broadcaster: broadcaster,
		Dispatcher:  dispatcher,
		Sessions:    sessions,
		Events:      eventsSvc,
		Runs:        runs,
		Runners:     runners,
		Callbacks:   callbacks,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Coordinator started")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop intake, drain polls, stop loops, close streams
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	dispatcher.Shutdown()
	runners.Stop()
	if retention != nil {
		retention.Stop()
	}
	callbacks.Shutdown()
	broadcaster.Shutdown()

	slog.Info("Coordinator stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.StoreMemory {
		slog.Warn("Using in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	}

	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	pg, err := store.OpenPostgres(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to PostgreSQL", "host", dbCfg.Host, "database", dbCfg.Database)
	return pg, nil
}
