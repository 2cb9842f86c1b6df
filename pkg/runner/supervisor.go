package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
)

// Config holds everything the supervisor needs to serve one coordinator.
type Config struct {
	// CoordinatorURL is the coordinator API base address.
	CoordinatorURL string
	// APIKey is the shared bearer token.
	APIKey string
	// Hostname reported at registration. Defaults to os.Hostname.
	Hostname string
	// ExecutorType this runner hosts, e.g. "claude" or "cli".
	ExecutorType string
	// ExecutorProfile optionally narrows dispatch further.
	ExecutorProfile string
	// ProjectDir is the default working directory offered to the coordinator.
	ProjectDir string
	// Tags this runner matches on.
	Tags []string
	// Agents are the runner-owned procedural blueprints to register.
	Agents []*models.AgentBlueprint
	// ExecutorCommands maps executor types to host commands for autonomous
	// agents.
	ExecutorCommands map[string][]string
	// PollWait is the requested long-poll duration.
	PollWait time.Duration
	// DrainTimeout bounds how long shutdown waits for active runs.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.PollWait <= 0 {
		c.PollWait = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Supervisor is the runner's main loop: register, heartbeat, poll, execute.
type Supervisor struct {
	cfg     Config
	client  *Client
	gateway *Gateway

	mu       sync.Mutex
	runnerID string
	launcher *Launcher
	active   map[string]chan struct{} // run id → stop channel
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor. Run does the actual work.
func NewSupervisor(cfg Config) *Supervisor {
	cfg.applyDefaults()
	client := NewClient(cfg.CoordinatorURL, cfg.APIKey)
	return &Supervisor{
		cfg:     cfg,
		client:  client,
		gateway: NewGateway(client),
		active:  make(map[string]chan struct{}),
	}
}

// Run registers with the coordinator and serves until ctx is cancelled. A
// failed registration is fatal: the process exits and lets its init system
// restart it.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.gateway.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.gateway.Shutdown(shutdownCtx)
	}()

	resp, err := s.register(ctx)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	s.setRegistration(resp.RunnerID)

	slog.Info("Runner registered",
		"runner_id", resp.RunnerID,
		"executor_type", s.cfg.ExecutorType,
		"heartbeat_interval_seconds", resp.HeartbeatInterval,
		"gateway_url", s.gateway.URL())

	heartbeat := time.NewTicker(time.Duration(resp.HeartbeatInterval) * time.Second)
	defer heartbeat.Stop()

	go s.heartbeatLoop(ctx, heartbeat.C)

	s.pollLoop(ctx)
	return s.drain()
}

func (s *Supervisor) setRegistration(runnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runnerID = runnerID
	s.launcher = NewLauncher(s.client, runnerID, s.gateway.URL(), s.cfg.ExecutorCommands)
}

func (s *Supervisor) currentRunnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnerID
}

func (s *Supervisor) register(ctx context.Context) (*models.RegisterRunnerResponse, error) {
	return s.client.Register(ctx, models.RegisterRunnerRequest{
		Hostname:        s.cfg.Hostname,
		ExecutorType:    s.cfg.ExecutorType,
		ExecutorProfile: s.cfg.ExecutorProfile,
		ProjectDir:      s.cfg.ProjectDir,
		Tags:            s.cfg.Tags,
		Agents:          s.cfg.Agents,
	})
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			err := s.client.Heartbeat(ctx, s.currentRunnerID())
			switch {
			case err == nil:
			case errors.Is(err, ErrNotRegistered):
				// The poll loop re-registers; just surface it here.
				slog.Warn("Heartbeat rejected, runner no longer registered")
			case ctx.Err() != nil:
				return
			default:
				slog.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// pollLoop long-polls for work until ctx is cancelled. Removal by the
// coordinator (after a staleness sweep) triggers a re-registration instead
// of an exit, so a runner that slept through its heartbeats recovers.
func (s *Supervisor) pollLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := s.client.PollRuns(ctx, s.currentRunnerID(), s.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrNotRegistered) {
				if regErr := s.reregister(ctx); regErr != nil {
					slog.Error("Re-registration failed", "error", regErr)
					sleepCtx(ctx, 5*time.Second)
				}
				continue
			}
			slog.Warn("Poll failed", "error", err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}

		for _, runID := range resp.StopRuns {
			s.stopRun(runID)
		}
		if resp.Run != nil {
			s.startRun(ctx, resp.Run)
		}
	}
}

func (s *Supervisor) reregister(ctx context.Context) error {
	resp, err := s.register(ctx)
	if err != nil {
		return err
	}
	s.setRegistration(resp.RunnerID)
	slog.Info("Runner re-registered", "runner_id", resp.RunnerID)
	return nil
}

// startRun executes a claimed run in its own goroutine and tracks it for
// stop delivery and drain.
func (s *Supervisor) startRun(ctx context.Context, run *models.Run) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.active[run.ID] = stop
	launcher := s.launcher
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
		}()

		if err := launcher.Execute(ctx, run, stop); err != nil {
			slog.Error("Run execution report failed", "run_id", run.ID, "error", err)
		}
	}()
}

// stopRun closes the stop channel of an active run. Unknown ids are ignored;
// the coordinator clears stop signals once the run terminates.
func (s *Supervisor) stopRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop, ok := s.active[runID]
	if !ok {
		return
	}
	delete(s.active, runID)
	close(stop)
	slog.Info("Stop signal delivered to executor", "run_id", runID)
}

// drain waits for active executions to report, bounded by DrainTimeout.
func (s *Supervisor) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return fmt.Errorf("drain timed out after %s with runs still active", s.cfg.DrainTimeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
