// Maestro runner — registers with a coordinator, long-polls for runs, and
// supervises agent executors on this host.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/config"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/runner"
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
		getEnv("MAESTRO_RUNNER_CONFIG", ""),
		"Path to runner.yaml (empty: defaults + environment)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting runner", "version", version.Full(), "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.InitializeRunner(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	var blueprints []*models.AgentBlueprint
	if cfg.AgentsDir != "" {
		loaded, err := agents.LoadDir(cfg.AgentsDir)
		if err != nil {
			slog.Error("Failed to load agent blueprints", "dir", cfg.AgentsDir, "error", err)
			os.Exit(1)
		}
		for _, bp := range loaded {
			blueprints = append(blueprints, bp)
		}
		slog.Info("Loaded runner-owned blueprints", "count", len(blueprints))
	}

	sup := runner.NewSupervisor(runner.Config{
		CoordinatorURL:   cfg.CoordinatorURL,
		APIKey:           cfg.APIKey,
		Hostname:         cfg.Hostname,
		ExecutorType:     cfg.ExecutorType,
		ExecutorProfile:  cfg.ExecutorProfile,
		ProjectDir:       cfg.ProjectDir,
		Tags:             cfg.Tags,
		Agents:           blueprints,
		ExecutorCommands: cfg.ExecutorCommands,
		PollWait:         cfg.PollWait,
		DrainTimeout:     cfg.DrainTimeout,
	})

	if err := sup.Run(ctx); err != nil {
		slog.Error("Runner exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Runner stopped")
}
