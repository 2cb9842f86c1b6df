package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// SessionService manages session lifecycle: creation, lookup, result
// extraction, and deletion with its cascades.
type SessionService struct {
	store       store.Store
	broadcaster *events.Broadcaster

	callbacks *CallbackService
	eventsSvc *EventService
	registry  *agents.Registry
}

// NewSessionService creates a new SessionService.
func NewSessionService(st store.Store, broadcaster *events.Broadcaster) *SessionService {
	return &SessionService{store: st, broadcaster: broadcaster}
}

// SetCallbacks wires the callback coordinator (startup, after construction).
func (s *SessionService) SetCallbacks(c *CallbackService) { s.callbacks = c }

// SetEventService wires the event service for delete-time waiter wakeup.
func (s *SessionService) SetEventService(e *EventService) { s.eventsSvc = e }

// SetRegistry wires the blueprint registry, used to type untyped results.
func (s *SessionService) SetRegistry(r *agents.Registry) { s.registry = r }

// Create registers a new session in pending state.
func (s *SessionService) Create(httpCtx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.AgentName == "" {
		return nil, NewValidationError("agent_name", "required")
	}
	if req.CreatedBy == "" {
		return nil, NewValidationError("created_by", "required")
	}

	var parentName *string
	if req.ParentSessionName != "" {
		// Parent references are by name, scoped to the same creator.
		if _, err := s.store.GetSessionByName(httpCtx, req.CreatedBy, req.ParentSessionName); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NewValidationError("parent_session_name", "parent session does not exist")
			}
			return nil, fmt.Errorf("failed to look up parent session: %w", err)
		}
		parentName = &req.ParentSessionName
	}

	session := &models.Session{
		ID:                NewSessionID(),
		Name:              req.Name,
		ProjectDir:        req.ProjectDir,
		AgentName:         req.AgentName,
		CreatedBy:         req.CreatedBy,
		ParentSessionName: parentName,
		Status:            models.SessionStatusPending,
		Tags:              models.StringList(req.Tags),
		CreatedAt:         time.Now().UTC(),
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.broadcaster.Publish(events.Message{
		Type:      events.TypeSessionCreated,
		SessionID: session.ID,
		CreatedBy: session.CreatedBy,
		Payload:   session,
	})

	if s.callbacks != nil {
		s.callbacks.OnChildCreated(ctx, session)
	}
	return session, nil
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetByName returns a session by its per-creator unique name.
func (s *SessionService) GetByName(ctx context.Context, createdBy, name string) (*models.Session, error) {
	session, err := s.store.GetSessionByName(ctx, createdBy, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session by name: %w", err)
	}
	return session, nil
}

// List returns sessions matching the filters plus the unpaged total.
func (s *SessionService) List(ctx context.Context, f models.SessionFilters) (*models.SessionListResponse, error) {
	if f.Status != "" && !models.ValidSessionStatus(f.Status) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	sessions, total, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}, nil
}

// Status answers the coarse three-state question executors and parents ask:
// running, finished (any terminal state), or not_existent.
func (s *SessionService) Status(ctx context.Context, id string) (*models.SessionStatusResponse, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &models.SessionStatusResponse{Status: models.StatusAnswerNotExistent}, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	answer := models.StatusAnswerRunning
	if session.Status.Terminal() {
		answer = models.StatusAnswerFinished
	}
	return &models.SessionStatusResponse{SessionID: session.ID, Status: answer}, nil
}

// Result extracts the outcome of a terminal session: the last result event's
// payload, falling back to the last assistant message text.
func (s *SessionService) Result(ctx context.Context, id string) (*models.ResultResponse, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.Terminal() {
		return nil, ErrResultNotReady
	}

	evs, err := s.store.ListEvents(ctx, id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if ev.Type != models.EventResult {
			continue
		}
		res := &models.ResultResponse{SessionID: id, ResultType: s.defaultResultType(ctx, session)}
		if t, ok := ev.Payload["result_type"].(string); ok && t != "" {
			res.ResultType = t
		}
		if text, ok := ev.Payload["result_text"].(string); ok {
			res.ResultText = text
		}
		if data, ok := ev.Payload["result_data"].(map[string]any); ok {
			res.ResultData = data
		}
		return res, nil
	}

	// No explicit result event: the last assistant message stands in.
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if ev.Type == models.EventMessage && ev.MessageRole() == "assistant" {
			return &models.ResultResponse{
				SessionID:  id,
				ResultType: "message",
				ResultText: ev.MessageText(),
			}, nil
		}
	}

	return &models.ResultResponse{SessionID: id, ResultType: "none"}, nil
}

// defaultResultType labels an untyped result event with the agent's kind
// ("autonomous" or "procedural").
func (s *SessionService) defaultResultType(ctx context.Context, session *models.Session) string {
	if s.registry != nil {
		if bp, err := s.registry.Get(ctx, session.AgentName); err == nil {
			return string(bp.Type)
		}
	}
	return "result"
}

// Delete removes a session, finalizing its open runs and cancelling its
// callback registrations first. Active runs get stop signals so their
// runners terminate the executors.
func (s *SessionService) Delete(httpCtx context.Context, id string) error {
	session, err := s.Get(httpCtx, id)
	if err != nil {
		return err
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	open, err := s.store.OpenRunsForSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list open runs: %w", err)
	}
	for _, run := range open {
		switch run.Status {
		case models.RunStatusPending:
			if _, err := s.store.StopPendingRun(ctx, run.ID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
				return fmt.Errorf("failed to stop pending run %s: %w", run.ID, err)
			}
		case models.RunStatusClaimed, models.RunStatusStarted:
			if _, err := s.store.RequestRunStop(ctx, run.ID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
				return fmt.Errorf("failed to request stop of run %s: %w", run.ID, err)
			}
		}
	}

	if s.callbacks != nil {
		s.callbacks.OnSessionDeleted(ctx, session)
	}

	if err := s.store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if s.eventsSvc != nil {
		s.eventsSvc.NotifyTerminal(id)
	}
	s.broadcaster.Publish(events.Message{
		Type:      events.TypeSessionDeleted,
		SessionID: id,
		CreatedBy: session.CreatedBy,
		Payload:   map[string]any{"session_name": session.Name},
	})
	return nil
}
