package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/params"
	"github.com/maestro-ai/maestro/pkg/store"
)

// ResumeDelivery selects how a resume run learns the executor's native
// session handle.
const (
	// ResumeDeliveryRunPayload copies the stored executor_session_id into
	// the resume run so the runner can export it to the executor.
	ResumeDeliveryRunPayload = "run_payload"
	// ResumeDeliverySessionAPI leaves the handle out; executors fetch it
	// from the session API on demand.
	ResumeDeliverySessionAPI = "session_api"
)

// RunServiceConfig holds run-creation knobs.
type RunServiceConfig struct {
	// SyncTimeout bounds how long a sync-mode Create waits for the session
	// to finish.
	SyncTimeout time.Duration
	// DefaultExecutorType is used when a blueprint does not pin one.
	DefaultExecutorType string
	// ResumeDelivery is ResumeDeliveryRunPayload or ResumeDeliverySessionAPI.
	ResumeDelivery string
}

// RunService creates runs and applies runner status reports.
type RunService struct {
	store       store.Store
	registry    *agents.Registry
	broadcaster *events.Broadcaster
	config      RunServiceConfig

	sessions  *SessionService
	eventsSvc *EventService
	callbacks *CallbackService
	wake      func()
}

// NewRunService creates a new RunService.
func NewRunService(st store.Store, registry *agents.Registry, broadcaster *events.Broadcaster, cfg RunServiceConfig) *RunService {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}
	if cfg.ResumeDelivery == "" {
		cfg.ResumeDelivery = ResumeDeliveryRunPayload
	}
	return &RunService{
		store:       st,
		registry:    registry,
		broadcaster: broadcaster,
		config:      cfg,
		wake:        func() {},
	}
}

// SetSessionService wires the session registry (startup, after construction).
func (s *RunService) SetSessionService(svc *SessionService) { s.sessions = svc }

// SetEventService wires the event log.
func (s *RunService) SetEventService(svc *EventService) { s.eventsSvc = svc }

// SetCallbacks wires the callback coordinator.
func (s *RunService) SetCallbacks(c *CallbackService) { s.callbacks = c }

// SetWake wires the dispatcher wakeup called after every enqueue and stop
// signal.
func (s *RunService) SetWake(fn func()) {
	if fn != nil {
		s.wake = fn
	}
}

// Create validates, resolves, and enqueues a run. In sync mode it also waits
// for the target session to reach a terminal state and returns its result.
func (s *RunService) Create(httpCtx context.Context, req models.CreateRunRequest) (*models.CreateRunResponse, error) {
	if !models.ValidRunType(req.Type) {
		return nil, NewValidationError("type", fmt.Sprintf("unknown run type %q", req.Type))
	}
	if req.Mode != "" && req.Mode != string(models.RunModeAsync) && req.Mode != string(models.RunModeSync) {
		return nil, NewValidationError("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if req.CreatedBy == "" {
		return nil, NewValidationError("created_by", "required")
	}

	parameters := models.JSONMap{}
	for k, v := range req.Parameters {
		parameters[k] = v
	}
	if req.Prompt != "" {
		parameters["prompt"] = req.Prompt
	}
	req.Parameters = parameters

	switch models.RunType(req.Type) {
	case models.RunStopCommand:
		return s.createStop(httpCtx, req)
	case models.RunStartSession:
		return s.createStart(httpCtx, req)
	case models.RunResumeSession:
		return s.createResume(httpCtx, req)
	}
	return nil, NewValidationError("type", "unsupported run type")
}

// createStop resolves the target session's open run and signals it. Stop
// commands are resolved immediately and never enqueued.
func (s *RunService) createStop(httpCtx context.Context, req models.CreateRunRequest) (*models.CreateRunResponse, error) {
	session, err := s.resolveSession(httpCtx, req)
	if err != nil {
		return nil, err
	}

	open, err := s.store.OpenRunsForSession(httpCtx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open runs: %w", err)
	}
	if len(open) == 0 {
		return nil, NewValidationError("session_id", "session has no open run to stop")
	}

	var lastID string
	for _, run := range open {
		if err := s.Stop(httpCtx, run.ID); err != nil {
			return nil, err
		}
		lastID = run.ID
	}
	return &models.CreateRunResponse{RunID: lastID, SessionID: session.ID}, nil
}

// createStart creates the session and enqueues its first run.
func (s *RunService) createStart(httpCtx context.Context, req models.CreateRunRequest) (*models.CreateRunResponse, error) {
	if req.AgentName == "" {
		return nil, NewValidationError("agent_name", "required")
	}

	blueprint, err := s.lookupBlueprint(httpCtx, req.AgentName)
	if err != nil {
		return nil, err
	}
	if err := s.validateParameters(blueprint, req.Parameters); err != nil {
		return nil, err
	}

	createdBy := req.CreatedBy
	var parent *models.Session
	if req.ParentSessionID != "" {
		parent, err = s.sessions.Get(httpCtx, req.ParentSessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewValidationError("parent_session_id", "parent session does not exist")
			}
			return nil, err
		}
		// Children live in the parent creator's namespace so name-based
		// references line up.
		createdBy = parent.CreatedBy
	}

	name := req.SessionName
	if name == "" {
		name = fmt.Sprintf("%s-%s", req.AgentName, uuid.New().String()[:8])
	}

	createReq := models.CreateSessionRequest{
		Name:       name,
		ProjectDir: req.ProjectDir,
		AgentName:  req.AgentName,
		Tags:       req.Tags,
		CreatedBy:  createdBy,
	}
	if parent != nil {
		createReq.ParentSessionName = parent.Name
	}
	session, err := s.sessions.Create(httpCtx, createReq)
	if err != nil {
		return nil, err
	}

	if parent != nil && req.CallbackStrategy != "" {
		if s.callbacks == nil {
			return nil, fmt.Errorf("callback coordinator not configured")
		}
		_, err := s.callbacks.Register(httpCtx, RegisterCallbackRequest{
			ParentSessionID:   parent.ID,
			ParentSessionName: parent.Name,
			ChildSessionName:  session.Name,
			ChildSessionID:    session.ID,
			Strategy:          req.CallbackStrategy,
			BatchDelaySeconds: req.BatchDelaySeconds,
		})
		if err != nil {
			return nil, err
		}
	}

	return s.enqueue(httpCtx, req, session, blueprint, models.RunStartSession, parent)
}

// createResume re-opens an existing session with a fresh prompt.
func (s *RunService) createResume(httpCtx context.Context, req models.CreateRunRequest) (*models.CreateRunResponse, error) {
	session, err := s.resolveSession(httpCtx, req)
	if err != nil {
		return nil, err
	}

	active, err := s.store.ActiveRunForSession(httpCtx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil {
		return nil, NewValidationError("session_id", "session already has an active run")
	}

	blueprint, err := s.lookupBlueprint(httpCtx, session.AgentName)
	if err != nil {
		return nil, err
	}
	if err := s.validateParameters(blueprint, req.Parameters); err != nil {
		return nil, err
	}

	// Re-open the event log: a resumed session accepts events again.
	now := time.Now().UTC()
	if err := s.store.MarkSessionResumed(httpCtx, session.ID, now); err != nil {
		return nil, fmt.Errorf("failed to mark session resumed: %w", err)
	}
	session.Status = models.SessionStatusPending
	session.LastResumedAt = &now

	var parent *models.Session
	if session.ParentSessionName != nil {
		// Best effort; the parent may have been deleted.
		parent, _ = s.sessions.GetByName(httpCtx, session.CreatedBy, *session.ParentSessionName)
	}

	return s.enqueue(httpCtx, req, session, blueprint, models.RunResumeSession, parent)
}

// enqueue performs stage-1 resolution, persists the pending run, and wakes
// the dispatcher. Sync mode then waits for the terminal state.
func (s *RunService) enqueue(httpCtx context.Context, req models.CreateRunRequest, session *models.Session, blueprint *models.AgentBlueprint, runType models.RunType, parent *models.Session) (*models.CreateRunResponse, error) {
	resolved, err := s.resolveBlueprint(blueprint, session, req)
	if err != nil {
		return nil, err
	}

	blueprintDoc, err := blueprintToJSON(resolved)
	if err != nil {
		return nil, err
	}

	executorType := resolved.ExecutorType
	if executorType == "" {
		executorType = s.config.DefaultExecutorType
	}

	projectDir := req.ProjectDir
	if projectDir == "" {
		projectDir = session.ProjectDir
	}

	tags := append(models.StringList(nil), req.Tags...)
	for _, t := range resolved.Tags {
		if !tags.Contains(t) {
			tags = append(tags, t)
		}
	}

	run := &models.Run{
		ID:           NewRunID(),
		Type:         runType,
		SessionID:    session.ID,
		SessionName:  session.Name,
		AgentName:    resolved.Name,
		Parameters:   req.Parameters,
		Blueprint:    blueprintDoc,
		ProjectDir:   projectDir,
		ExecutorType: executorType,
		Tags:         tags,
		Status:       models.RunStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if parent != nil {
		run.ParentSessionID = &parent.ID
		run.ParentSessionName = &parent.Name
	}
	if resolved.Source == models.BlueprintSourceRunner && resolved.OwnerRunnerID != "" {
		owner := resolved.OwnerRunnerID
		run.OwnerRunnerID = &owner
	}
	if runType == models.RunResumeSession &&
		s.config.ResumeDelivery == ResumeDeliveryRunPayload &&
		session.ExecutorSessionID != nil {
		run.ExecutorSessionID = session.ExecutorSessionID
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	slog.Info("Run enqueued",
		"run_id", run.ID,
		"type", run.Type,
		"session_id", session.ID,
		"agent", run.AgentName,
		"executor_type", run.ExecutorType)
	s.wake()

	resp := &models.CreateRunResponse{RunID: run.ID, SessionID: session.ID}
	if req.Mode != string(models.RunModeSync) {
		return resp, nil
	}

	waitCtx, waitCancel := context.WithTimeout(httpCtx, s.config.SyncTimeout)
	defer waitCancel()
	if _, err := s.eventsSvc.WaitTerminal(waitCtx, session.ID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("session %s did not finish within %s: %w", session.ID, s.config.SyncTimeout, err)
		}
		return nil, err
	}
	result, err := s.sessions.Result(context.Background(), session.ID)
	if err != nil {
		return nil, err
	}
	resp.Result = result
	return resp, nil
}

// Get returns a run by id.
func (s *RunService) Get(ctx context.Context, id string) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// Started applies a runner's claimed -> started report and captures the
// executor's native session handle.
func (s *RunService) Started(httpCtx context.Context, runID string, req models.ReportStartedRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err := s.store.MarkRunStarted(ctx, runID, req.RunnerID, req.ExecutorSessionID)
	if err != nil {
		return mapRunError(err)
	}

	if req.ExecutorSessionID != "" {
		if err := s.store.SetSessionExecutorID(ctx, run.SessionID, req.ExecutorSessionID); err != nil {
			slog.Error("Failed to record executor session id",
				"run_id", runID, "session_id", run.SessionID, "error", err)
		}
	}
	return nil
}

// Completed finalizes a run as finished. When the executor never appended a
// terminal event itself, a supplied result payload closes the session.
func (s *RunService) Completed(httpCtx context.Context, runID string, req models.ReportCompletedRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err := s.store.FinishRun(ctx, runID, req.RunnerID, models.RunStatusFinished, "")
	if err != nil {
		return mapRunError(err)
	}

	if len(req.Result) > 0 {
		_, err := s.eventsSvc.Append(ctx, run.SessionID, models.AppendEventRequest{
			EventType: string(models.EventResult),
			Payload:   req.Result,
		})
		if err != nil && !errors.Is(err, ErrSessionTerminal) {
			return err
		}
	}

	s.afterRunFinal(ctx, run)
	return nil
}

// Failed finalizes a run as failed and appends the run_failed event that
// flips the session to failed.
func (s *RunService) Failed(httpCtx context.Context, runID string, req models.ReportFailedRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err := s.store.FinishRun(ctx, runID, req.RunnerID, models.RunStatusFailed, req.Error)
	if err != nil {
		return mapRunError(err)
	}

	_, err = s.eventsSvc.Append(ctx, run.SessionID, models.AppendEventRequest{
		EventType: string(models.EventRunFailed),
		Payload:   models.JSONMap{"run_id": run.ID, "error": req.Error},
	})
	if err != nil && !errors.Is(err, ErrSessionTerminal) {
		slog.Error("Failed to append run_failed event",
			"run_id", runID, "session_id", run.SessionID, "error", err)
	}

	s.afterRunFinal(ctx, run)
	return nil
}

// Stopped finalizes a run as stopped. No event is appended; a session that
// has no terminal event yet flips straight to stopped.
func (s *RunService) Stopped(httpCtx context.Context, runID string, req models.ReportStoppedRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	run, err := s.store.FinishRun(ctx, runID, req.RunnerID, models.RunStatusStopped, req.Reason)
	if err != nil {
		return mapRunError(err)
	}

	session, err := s.store.GetSession(ctx, run.SessionID)
	if err == nil && !session.Status.Terminal() {
		if err := s.store.UpdateSessionStatus(ctx, session.ID, models.SessionStatusStopped); err != nil {
			slog.Error("Failed to mark session stopped",
				"session_id", session.ID, "error", err)
		} else {
			session.Status = models.SessionStatusStopped
			s.broadcaster.Publish(events.Message{
				Type:      events.TypeSessionUpdated,
				SessionID: session.ID,
				CreatedBy: session.CreatedBy,
				Payload:   map[string]any{"status": models.SessionStatusStopped},
			})
			s.eventsSvc.NotifyTerminal(session.ID)
			if s.callbacks != nil {
				s.callbacks.OnSessionTerminal(ctx, session, nil)
			}
		}
	}

	s.afterRunFinal(ctx, run)
	return nil
}

// Stop signals termination of a run. Pending runs stop immediately; active
// runs get a stop flag delivered through the owning runner's next poll.
// Terminal runs are left alone.
func (s *RunService) Stop(httpCtx context.Context, runID string) error {
	run, err := s.Get(httpCtx, runID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch run.Status {
	case models.RunStatusPending:
		if _, err := s.store.StopPendingRun(ctx, runID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Claimed between the read and the stop; deliver the flag.
				if _, err := s.store.RequestRunStop(ctx, runID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
					return mapRunError(err)
				}
				s.wake()
				return nil
			}
			return mapRunError(err)
		}
	case models.RunStatusClaimed, models.RunStatusStarted:
		if _, err := s.store.RequestRunStop(ctx, runID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return mapRunError(err)
		}
		s.wake()
	default:
		// Already terminal; stop is idempotent.
	}
	return nil
}

// afterRunFinal re-checks callbacks deferred on the session being busy.
func (s *RunService) afterRunFinal(ctx context.Context, run *models.Run) {
	if s.callbacks != nil {
		s.callbacks.OnParentIdle(ctx, run.SessionID)
	}
}

// resolveSession finds the run's target session by id or name.
func (s *RunService) resolveSession(ctx context.Context, req models.CreateRunRequest) (*models.Session, error) {
	switch {
	case req.SessionID != "":
		return s.sessions.Get(ctx, req.SessionID)
	case req.SessionName != "":
		return s.sessions.GetByName(ctx, req.CreatedBy, req.SessionName)
	}
	return nil, NewValidationError("session_id", "session_id or session_name is required")
}

func (s *RunService) lookupBlueprint(ctx context.Context, name string) (*models.AgentBlueprint, error) {
	bp, err := s.registry.Get(ctx, name)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			return nil, NewValidationError("agent_name", fmt.Sprintf("unknown agent %q", name))
		}
		return nil, err
	}
	return bp, nil
}

// validateParameters applies the blueprint's schema; autonomous agents
// without one use the implicit prompt-only schema.
func (s *RunService) validateParameters(bp *models.AgentBlueprint, parameters models.JSONMap) error {
	schema := bp.ParametersSchema
	if len(schema) == 0 && bp.Type == models.AgentAutonomous {
		schema = params.AutonomousSchema
	}
	return params.Validate(schema, parameters)
}

// resolveBlueprint applies stage-1 placeholder resolution to the templated
// blueprint fields. ${runner.*} survives for the runner to resolve.
func (s *RunService) resolveBlueprint(bp *models.AgentBlueprint, session *models.Session, req models.CreateRunRequest) (*models.AgentBlueprint, error) {
	scope := params.Scope{
		SessionID: session.ID,
		Params:    req.Parameters,
		Values:    req.Scope,
		Env:       os.LookupEnv,
	}

	resolved := bp.Clone()

	if len(resolved.Command) > 0 {
		cmd := make([]string, len(resolved.Command))
		for i, arg := range resolved.Command {
			out, err := params.ResolveStage1(arg, scope)
			if err != nil {
				return nil, NewValidationError("command", err.Error())
			}
			cmd[i] = out.(string)
		}
		resolved.Command = cmd
	}

	if resolved.SystemPrompt != "" {
		out, err := params.ResolveStage1(resolved.SystemPrompt, scope)
		if err != nil {
			return nil, NewValidationError("system_prompt", err.Error())
		}
		resolved.SystemPrompt = out.(string)
	}

	if len(resolved.MCPServers) > 0 {
		out, err := params.ResolveStage1(map[string]any(resolved.MCPServers), scope)
		if err != nil {
			return nil, NewValidationError("mcp_servers", err.Error())
		}
		resolved.MCPServers = out.(map[string]any)
	}

	return resolved, nil
}

func blueprintToJSON(bp *models.AgentBlueprint) (models.JSONMap, error) {
	raw, err := json.Marshal(bp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blueprint: %w", err)
	}
	var doc models.JSONMap
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blueprint: %w", err)
	}
	return doc, nil
}

func mapRunError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrInvalidTransition
	}
	return fmt.Errorf("failed to update run: %w", err)
}

// SyntheticResumePrompt names the finished children and how to fetch their
// results when a callback re-enters a parent session.
func SyntheticResumePrompt(children []*models.Callback) string {
	var b strings.Builder
	if len(children) == 1 {
		b.WriteString("Child agent session ")
	} else {
		b.WriteString("Child agent sessions ")
	}
	for i, cb := range children {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", cb.ChildSessionName)
		if cb.ChildStatus != nil {
			fmt.Fprintf(&b, " (%s)", *cb.ChildStatus)
		}
	}
	if len(children) == 1 {
		b.WriteString(" has finished.")
	} else {
		b.WriteString(" have finished.")
	}
	b.WriteString(" Use the get_session_result tool to fetch each result and continue your task.")
	return b.String()
}
