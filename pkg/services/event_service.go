package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/masking"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// writeTimeout bounds critical writes so an HTTP client disconnect never
// aborts a half-applied state change.
const writeTimeout = 10 * time.Second

// TerminalHook is notified after a session reaches a terminal status.
// Implemented by CallbackService.
type TerminalHook interface {
	OnSessionTerminal(ctx context.Context, session *models.Session, ev *models.Event)
}

// EventService owns the append-only event log: appends with atomic status
// derivation, reads, and terminal-state waiters for sync-mode run creation.
type EventService struct {
	store       store.Store
	broadcaster *events.Broadcaster
	masker      *masking.Masker

	mu      sync.Mutex
	waiters map[string][]chan *models.Event

	hookMu       sync.RWMutex
	terminalHook TerminalHook
}

// NewEventService creates a new EventService.
func NewEventService(st store.Store, broadcaster *events.Broadcaster) *EventService {
	return &EventService{
		store:       st,
		broadcaster: broadcaster,
		waiters:     make(map[string][]chan *models.Event),
	}
}

// SetTerminalHook wires the callback coordinator. Called once during startup
// after both services exist.
func (s *EventService) SetTerminalHook(h TerminalHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.terminalHook = h
}

// SetMasker enables credential scrubbing of event payloads before they are
// persisted. Called once during startup.
func (s *EventService) SetMasker(m *masking.Masker) { s.masker = m }

// Append durably stores an event, assigns its per-session sequence, derives
// the session status in the same transaction, and broadcasts the change.
func (s *EventService) Append(httpCtx context.Context, sessionID string, req models.AppendEventRequest) (*models.Event, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if !models.ValidEventType(req.EventType) {
		return nil, NewValidationError("event_type", fmt.Sprintf("unknown event type %q", req.EventType))
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			return nil, NewValidationError("timestamp", "must be RFC3339")
		}
		ts = parsed.UTC()
	}

	session, err := s.store.GetSession(httpCtx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	payload := req.Payload
	if s.masker != nil {
		payload = s.masker.MaskPayload(payload)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res, err := s.store.AppendEvent(ctx, &models.Event{
		SessionID: sessionID,
		Type:      models.EventType(req.EventType),
		Timestamp: ts,
		Payload:   payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrSessionTerminal):
			return nil, ErrSessionTerminal
		}
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	s.broadcaster.Publish(events.Message{
		Type:      events.TypeSessionEvent,
		SessionID: sessionID,
		CreatedBy: session.CreatedBy,
		Payload:   res.Event,
	})
	if res.StatusChanged {
		session.Status = res.Status
		s.broadcaster.Publish(events.Message{
			Type:      events.TypeSessionUpdated,
			SessionID: sessionID,
			CreatedBy: session.CreatedBy,
			Payload:   map[string]any{"status": res.Status},
		})
	}

	if res.Status.Terminal() {
		s.notifyWaiters(sessionID, res.Event)

		s.hookMu.RLock()
		hook := s.terminalHook
		s.hookMu.RUnlock()
		if hook != nil {
			hook.OnSessionTerminal(ctx, session, res.Event)
		}
	}

	return res.Event, nil
}

// Read returns events of a session starting at sequence from (inclusive).
// A zero limit returns everything.
func (s *EventService) Read(ctx context.Context, sessionID string, from int64, limit int) ([]*models.Event, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	evs, err := s.store.ListEvents(ctx, sessionID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return evs, nil
}

// TerminalOf returns the session's last terminal event, or nil when the log
// is still open.
func (s *EventService) TerminalOf(ctx context.Context, sessionID string) (*models.Event, error) {
	ev, err := s.store.LastTerminalEvent(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load terminal event: %w", err)
	}
	return ev, nil
}

// WaitTerminal blocks until the session reaches a terminal status or ctx
// expires. Returns the session in its terminal state.
func (s *EventService) WaitTerminal(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status.Terminal() {
		return session, nil
	}

	ch := make(chan *models.Event, 1)
	s.mu.Lock()
	s.waiters[sessionID] = append(s.waiters[sessionID], ch)
	s.mu.Unlock()
	defer s.removeWaiter(sessionID, ch)

	// The session may have turned terminal between the status check and the
	// waiter registration; re-check so that window cannot strand the caller.
	session, err = s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}
	if session.Status.Terminal() {
		return session, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		session, err := s.store.GetSession(context.Background(), sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload session: %w", err)
		}
		return session, nil
	}
}

// NotifyTerminal wakes WaitTerminal callers for sessions whose terminal
// status was applied outside Append (stop reports, runner-loss cascades).
func (s *EventService) NotifyTerminal(sessionID string) {
	s.notifyWaiters(sessionID, nil)
}

func (s *EventService) notifyWaiters(sessionID string, ev *models.Event) {
	s.mu.Lock()
	chans := s.waiters[sessionID]
	delete(s.waiters, sessionID)
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			slog.Warn("Terminal waiter channel full", "session_id", sessionID)
		}
	}
}

func (s *EventService) removeWaiter(sessionID string, ch chan *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[sessionID]
	for i, c := range chans {
		if c == ch {
			s.waiters[sessionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[sessionID]) == 0 {
		delete(s.waiters, sessionID)
	}
}
