package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// runnerDisconnectedError is stamped onto runs lost to a removed runner.
const runnerDisconnectedError = "runner disconnected during execution"

// RunnerServiceConfig holds the liveness knobs.
type RunnerServiceConfig struct {
	// HeartbeatInterval is advertised to runners at registration.
	HeartbeatInterval time.Duration
	// StaleAfter is silence before online -> stale.
	StaleAfter time.Duration
	// RemoveAfter is silence before stale -> removed (measured from the
	// last heartbeat, not from going stale).
	RemoveAfter time.Duration
	// SweepInterval is how often the staleness sweeper scans.
	SweepInterval time.Duration
}

// RunnerService manages runner registration, heartbeats, and the staleness
// sweeper with its removal cascade.
type RunnerService struct {
	store       store.Store
	registry    *agents.Registry
	broadcaster *events.Broadcaster
	config      RunnerServiceConfig

	eventsSvc *EventService

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRunnerService creates a new RunnerService.
func NewRunnerService(st store.Store, registry *agents.Registry, broadcaster *events.Broadcaster, cfg RunnerServiceConfig) *RunnerService {
	return &RunnerService{
		store:       st,
		registry:    registry,
		broadcaster: broadcaster,
		config:      cfg,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetEventService wires the event service (startup, after construction).
// Terminal cascades (run_failed appends) run through it so callbacks and
// broadcasts fire the same way they do for executor-reported events.
func (s *RunnerService) SetEventService(e *EventService) { s.eventsSvc = e }

// Register admits a runner and its owned agent blueprints. Blueprint names
// must be globally free; one conflict rejects the whole registration.
func (s *RunnerService) Register(httpCtx context.Context, req models.RegisterRunnerRequest) (*models.RegisterRunnerResponse, error) {
	if req.ExecutorType == "" {
		return nil, NewValidationError("executor_type", "required")
	}
	for _, bp := range req.Agents {
		if bp.Name == "" {
			return nil, NewValidationError("agents", "blueprint name is required")
		}
		if bp.Type != models.AgentProcedural {
			return nil, NewValidationError("agents", fmt.Sprintf("runner-owned agent %s must be procedural", bp.Name))
		}
		if len(bp.Command) == 0 {
			return nil, NewValidationError("agents", fmt.Sprintf("agent %s requires a command", bp.Name))
		}
	}

	// All-or-nothing name check before admitting anything.
	for _, bp := range req.Agents {
		taken, err := s.registry.Has(httpCtx, bp.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to check agent name %s: %w", bp.Name, err)
		}
		if taken {
			return nil, fmt.Errorf("%w: agent %s", ErrAlreadyExists, bp.Name)
		}
	}

	now := time.Now().UTC()
	runner := &models.Runner{
		ID:              NewRunnerID(),
		Hostname:        req.Hostname,
		ExecutorType:    req.ExecutorType,
		ExecutorProfile: req.ExecutorProfile,
		ProjectDir:      req.ProjectDir,
		Tags:            models.StringList(req.Tags),
		Agents:          models.BlueprintList(req.Agents),
		Status:          models.RunnerStatusOnline,
		LastHeartbeat:   now,
		RegisteredAt:    now,
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.CreateRunner(ctx, runner); err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	slog.Info("Runner registered",
		"runner_id", runner.ID,
		"hostname", runner.Hostname,
		"executor_type", runner.ExecutorType,
		"agents", len(runner.Agents))

	return &models.RegisterRunnerResponse{
		RunnerID:          runner.ID,
		HeartbeatInterval: int(s.config.HeartbeatInterval.Seconds()),
	}, nil
}

// Heartbeat records liveness. A heartbeat from a stale runner flips it back
// online; removed runners must re-register.
func (s *RunnerService) Heartbeat(ctx context.Context, runnerID string) error {
	runner, err := s.store.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get runner: %w", err)
	}
	if runner.Status == models.RunnerStatusRemoved {
		return ErrNotFound
	}

	if err := s.store.TouchRunner(ctx, runnerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// Get returns a runner by id.
func (s *RunnerService) Get(ctx context.Context, id string) (*models.Runner, error) {
	runner, err := s.store.GetRunner(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	return runner, nil
}

// List returns the live runner population (online and stale).
func (s *RunnerService) List(ctx context.Context) (*models.RunnerListResponse, error) {
	runners, err := s.store.ListRunners(ctx, models.RunnerStatusOnline, models.RunnerStatusStale)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	return &models.RunnerListResponse{Runners: runners}, nil
}

// Start launches the staleness sweeper.
func (s *RunnerService) Start() {
	go s.runSweeper()
}

// Stop shuts the sweeper down and waits for it to exit.
func (s *RunnerService) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *RunnerService) runSweeper() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				slog.Error("Runner staleness sweep failed", "error", err)
			}
		}
	}
}

// Sweep applies the liveness state machine to every live runner:
// online -> stale after StaleAfter of silence, stale -> removed (with the
// full cascade) after RemoveAfter.
func (s *RunnerService) Sweep(ctx context.Context) error {
	runners, err := s.store.ListRunners(ctx, models.RunnerStatusOnline, models.RunnerStatusStale)
	if err != nil {
		return fmt.Errorf("failed to list runners: %w", err)
	}

	now := time.Now().UTC()
	for _, runner := range runners {
		silence := now.Sub(runner.LastHeartbeat)
		switch {
		case silence >= s.config.RemoveAfter:
			if err := s.remove(ctx, runner); err != nil {
				slog.Error("Failed to remove runner", "runner_id", runner.ID, "error", err)
			}
		case silence >= s.config.StaleAfter && runner.Status == models.RunnerStatusOnline:
			if err := s.store.SetRunnerStatus(ctx, runner.ID, models.RunnerStatusStale); err != nil {
				slog.Error("Failed to mark runner stale", "runner_id", runner.ID, "error", err)
				continue
			}
			slog.Warn("Runner went stale",
				"runner_id", runner.ID,
				"hostname", runner.Hostname,
				"last_heartbeat", runner.LastHeartbeat.Format(time.RFC3339))
		}
	}
	return nil
}

// remove executes the removal cascade: the runner's blueprints disappear,
// its claimed/started runs fail, the affected sessions flip to failed, and
// any waiting parents are re-entered.
func (s *RunnerService) remove(ctx context.Context, runner *models.Runner) error {
	if err := s.store.SetRunnerStatus(ctx, runner.ID, models.RunnerStatusRemoved); err != nil {
		return fmt.Errorf("failed to mark runner removed: %w", err)
	}

	slog.Warn("Runner removed after heartbeat silence",
		"runner_id", runner.ID,
		"hostname", runner.Hostname,
		"last_heartbeat", runner.LastHeartbeat.Format(time.RFC3339))

	if len(runner.Agents) > 0 {
		names := make([]string, len(runner.Agents))
		for i, bp := range runner.Agents {
			names[i] = bp.Name
		}
		s.broadcaster.Publish(events.Message{
			Type:      events.TypeAgentsRemoved,
			AdminOnly: true,
			Payload:   map[string]any{"runner_id": runner.ID, "agents": names},
		})
	}

	active, err := s.store.ActiveRunsForRunner(ctx, runner.ID)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	for _, run := range active {
		if _, err := s.store.FinishRun(ctx, run.ID, "", models.RunStatusFailed, runnerDisconnectedError); err != nil {
			slog.Error("Failed to fail run of removed runner",
				"run_id", run.ID, "runner_id", runner.ID, "error", err)
			continue
		}

		if s.eventsSvc != nil {
			_, err := s.eventsSvc.Append(ctx, run.SessionID, models.AppendEventRequest{
				EventType: string(models.EventRunFailed),
				Payload: models.JSONMap{
					"run_id": run.ID,
					"error":  runnerDisconnectedError,
				},
			})
			if err != nil && !errors.Is(err, ErrSessionTerminal) {
				slog.Error("Failed to append run_failed event",
					"run_id", run.ID, "session_id", run.SessionID, "error", err)
			}
		}
	}
	return nil
}
