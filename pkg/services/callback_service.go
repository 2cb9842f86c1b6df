package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// CallbackServiceConfig holds callback behavior knobs.
type CallbackServiceConfig struct {
	// BatchWindowReset decides whether a completion landing inside an open
	// batch window pushes the deadline out again (true) or the window
	// closes at its original deadline (false).
	BatchWindowReset bool
	// DefaultBatchDelaySeconds applies when a batch-strategy registration
	// names no delay of its own. <= 0 makes the delay mandatory.
	DefaultBatchDelaySeconds int
}

// RegisterCallbackRequest registers a parent re-entry for one child.
type RegisterCallbackRequest struct {
	ParentSessionID   string
	ParentSessionName string
	ChildSessionName  string
	// ChildSessionID attaches immediately when the child already exists;
	// otherwise the registration waits in pending until the child session
	// is created.
	ChildSessionID    string
	Strategy          string
	BatchDelaySeconds int
}

// CallbackService drives parent re-entry when child sessions reach terminal
// state. Registrations are persisted, so pending callbacks survive restarts.
type CallbackService struct {
	store  store.Store
	config CallbackServiceConfig

	runs *RunService

	mu             sync.Mutex
	batchDeadlines map[string]time.Time
	batchTimers    map[string]*time.Timer
	shuttingDown   bool
}

// NewCallbackService creates a new CallbackService.
func NewCallbackService(st store.Store, cfg CallbackServiceConfig) *CallbackService {
	return &CallbackService{
		store:          st,
		config:         cfg,
		batchDeadlines: make(map[string]time.Time),
		batchTimers:    make(map[string]*time.Timer),
	}
}

// SetRunService wires the run queue for dispatching resume runs.
func (s *CallbackService) SetRunService(r *RunService) { s.runs = r }

// Register stores a callback registration.
func (s *CallbackService) Register(httpCtx context.Context, req RegisterCallbackRequest) (*models.Callback, error) {
	if req.ParentSessionID == "" {
		return nil, NewValidationError("parent_session_id", "required")
	}
	if req.ChildSessionName == "" {
		return nil, NewValidationError("child_session_name", "required")
	}
	if !models.ValidCallbackStrategy(req.Strategy) {
		return nil, NewValidationError("callback_strategy", fmt.Sprintf("unknown strategy %q", req.Strategy))
	}
	if models.CallbackStrategy(req.Strategy) == models.CallbackBatch && req.BatchDelaySeconds <= 0 {
		if s.config.DefaultBatchDelaySeconds <= 0 {
			return nil, NewValidationError("batch_delay_seconds", "required for batch strategy")
		}
		req.BatchDelaySeconds = s.config.DefaultBatchDelaySeconds
	}

	now := time.Now().UTC()
	cb := &models.Callback{
		ID:                NewCallbackID(),
		ParentSessionID:   req.ParentSessionID,
		ParentSessionName: req.ParentSessionName,
		ChildSessionName:  req.ChildSessionName,
		Strategy:          models.CallbackStrategy(req.Strategy),
		BatchDelaySeconds: req.BatchDelaySeconds,
		Status:            models.CallbackStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.ChildSessionID != "" {
		childID := req.ChildSessionID
		cb.ChildSessionID = &childID
		cb.Status = models.CallbackStatusChildRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.CreateCallback(ctx, cb); err != nil {
		return nil, fmt.Errorf("failed to create callback: %w", err)
	}
	return cb, nil
}

// List returns registrations matching the filter.
func (s *CallbackService) List(ctx context.Context, f store.CallbackFilter) ([]*models.Callback, error) {
	cbs, err := s.store.ListCallbacks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list callbacks: %w", err)
	}
	return cbs, nil
}

// Cancel marks a registration cancelled.
func (s *CallbackService) Cancel(ctx context.Context, id string) error {
	cb, err := s.store.GetCallback(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get callback: %w", err)
	}
	if cb.Status.Terminal() {
		return nil
	}
	return s.setStatus(ctx, cb, models.CallbackStatusCancelled)
}

// OnChildCreated attaches the child session id to registrations waiting on
// its name, moving them to child_running.
func (s *CallbackService) OnChildCreated(ctx context.Context, child *models.Session) {
	cbs, err := s.store.ListCallbacks(ctx, store.CallbackFilter{
		ChildSessionName: child.Name,
		Statuses:         []models.CallbackStatus{models.CallbackStatusPending},
	})
	if err != nil {
		slog.Error("Failed to list pending callbacks", "child", child.Name, "error", err)
		return
	}
	for _, cb := range cbs {
		childID := child.ID
		cb.ChildSessionID = &childID
		cb.Status = models.CallbackStatusChildRunning
		cb.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateCallback(ctx, cb); err != nil {
			slog.Error("Failed to attach child to callback",
				"callback_id", cb.ID, "child_session_id", child.ID, "error", err)
		}
	}
}

// OnSessionTerminal implements TerminalHook: when a child session reaches a
// terminal state, its registrations become child_completed and the parent's
// strategy is evaluated.
func (s *CallbackService) OnSessionTerminal(ctx context.Context, session *models.Session, _ *models.Event) {
	cbs, err := s.store.ListCallbacks(ctx, store.CallbackFilter{
		ChildSessionID: session.ID,
		Statuses:       []models.CallbackStatus{models.CallbackStatusChildRunning},
	})
	if err != nil {
		slog.Error("Failed to list callbacks for terminal child",
			"session_id", session.ID, "error", err)
		return
	}
	if len(cbs) == 0 {
		return
	}

	childStatus := string(session.Status)
	parents := make(map[string]bool)
	for _, cb := range cbs {
		cb.Status = models.CallbackStatusChildCompleted
		cb.ChildStatus = &childStatus
		cb.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateCallback(ctx, cb); err != nil {
			slog.Error("Failed to mark callback completed", "callback_id", cb.ID, "error", err)
			continue
		}
		parents[cb.ParentSessionID] = true

		if cb.Strategy == models.CallbackBatch {
			s.openBatchWindow(cb.ParentSessionID, time.Duration(cb.BatchDelaySeconds)*time.Second)
		}
	}

	for parentID := range parents {
		s.evaluate(ctx, parentID)
	}
}

// OnParentIdle re-evaluates deferred callbacks after one of the parent's
// runs finalizes.
func (s *CallbackService) OnParentIdle(ctx context.Context, parentSessionID string) {
	s.evaluate(ctx, parentSessionID)
}

// OnSessionDeleted cancels registrations referencing the session as their
// child and drops the parent's batch window. Registrations where the session
// is the parent are removed with the session row itself.
func (s *CallbackService) OnSessionDeleted(ctx context.Context, session *models.Session) {
	s.mu.Lock()
	delete(s.batchDeadlines, session.ID)
	if t, ok := s.batchTimers[session.ID]; ok {
		t.Stop()
		delete(s.batchTimers, session.ID)
	}
	s.mu.Unlock()

	cbs, err := s.store.ListCallbacks(ctx, store.CallbackFilter{
		ChildSessionID: session.ID,
		Statuses: []models.CallbackStatus{
			models.CallbackStatusChildRunning,
			models.CallbackStatusChildCompleted,
		},
	})
	if err != nil {
		slog.Error("Failed to list callbacks for deleted session",
			"session_id", session.ID, "error", err)
		return
	}
	for _, cb := range cbs {
		if err := s.setStatus(ctx, cb, models.CallbackStatusCancelled); err != nil {
			slog.Error("Failed to cancel callback", "callback_id", cb.ID, "error", err)
		}
	}
}

// Reload recovers in-flight registrations after a restart: children that
// terminated while the coordinator was down are marked completed, and every
// affected parent is re-evaluated.
func (s *CallbackService) Reload(ctx context.Context) error {
	cbs, err := s.store.ListCallbacks(ctx, store.CallbackFilter{
		Statuses: []models.CallbackStatus{
			models.CallbackStatusChildRunning,
			models.CallbackStatusChildCompleted,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to reload callbacks: %w", err)
	}

	parents := make(map[string]bool)
	for _, cb := range cbs {
		if cb.Status == models.CallbackStatusChildRunning && cb.ChildSessionID != nil {
			child, err := s.store.GetSession(ctx, *cb.ChildSessionID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				if err := s.setStatus(ctx, cb, models.CallbackStatusCancelled); err != nil {
					slog.Error("Failed to cancel orphaned callback", "callback_id", cb.ID, "error", err)
				}
				continue
			case err != nil:
				return fmt.Errorf("failed to load child session: %w", err)
			}
			if !child.Status.Terminal() {
				continue
			}
			childStatus := string(child.Status)
			cb.Status = models.CallbackStatusChildCompleted
			cb.ChildStatus = &childStatus
			cb.UpdatedAt = time.Now().UTC()
			if err := s.store.UpdateCallback(ctx, cb); err != nil {
				slog.Error("Failed to mark callback completed on reload", "callback_id", cb.ID, "error", err)
				continue
			}
			if cb.Strategy == models.CallbackBatch {
				s.openBatchWindow(cb.ParentSessionID, time.Duration(cb.BatchDelaySeconds)*time.Second)
			}
		}
		parents[cb.ParentSessionID] = true
	}

	for parentID := range parents {
		s.evaluate(ctx, parentID)
	}

	if len(cbs) > 0 {
		slog.Info("Reloaded callback registrations", "count", len(cbs), "parents", len(parents))
	}
	return nil
}

// Shutdown stops the batch timers.
func (s *CallbackService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
	for id, t := range s.batchTimers {
		t.Stop()
		delete(s.batchTimers, id)
	}
}

// openBatchWindow arms (or, with BatchWindowReset, re-arms) the parent's
// batch window.
func (s *CallbackService) openBatchWindow(parentSessionID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}

	if _, open := s.batchDeadlines[parentSessionID]; open && !s.config.BatchWindowReset {
		return
	}

	s.batchDeadlines[parentSessionID] = time.Now().UTC().Add(delay)
	if t, ok := s.batchTimers[parentSessionID]; ok {
		t.Stop()
	}
	s.batchTimers[parentSessionID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.batchTimers, parentSessionID)
		s.mu.Unlock()
		s.evaluate(context.Background(), parentSessionID)
	})
}

// batchWindowExpired reports whether the parent's batch window is closed.
// No window at all counts as expired so reloads can flush stragglers.
func (s *CallbackService) batchWindowExpired(parentSessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, open := s.batchDeadlines[parentSessionID]
	return !open || !time.Now().UTC().Before(deadline)
}

func (s *CallbackService) closeBatchWindow(parentSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batchDeadlines, parentSessionID)
	if t, ok := s.batchTimers[parentSessionID]; ok {
		t.Stop()
		delete(s.batchTimers, parentSessionID)
	}
}

// evaluate fires whatever the parent's completed registrations allow: each
// immediate callback alone, batch callbacks together once their window
// closed, and all-strategy callbacks once no sibling is outstanding. A busy
// parent defers everything until OnParentIdle.
func (s *CallbackService) evaluate(ctx context.Context, parentSessionID string) {
	completed, err := s.store.ListCallbacks(ctx, store.CallbackFilter{
		ParentSessionID: parentSessionID,
		Statuses:        []models.CallbackStatus{models.CallbackStatusChildCompleted},
	})
	if err != nil {
		slog.Error("Failed to list completed callbacks",
			"parent_session_id", parentSessionID, "error", err)
		return
	}
	if len(completed) == 0 {
		return
	}

	parent, err := s.store.GetSession(ctx, parentSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			for _, cb := range completed {
				if err := s.setStatus(ctx, cb, models.CallbackStatusCancelled); err != nil {
					slog.Error("Failed to cancel callback of deleted parent",
						"callback_id", cb.ID, "error", err)
				}
			}
			return
		}
		slog.Error("Failed to load parent session",
			"parent_session_id", parentSessionID, "error", err)
		return
	}

	// Parent idle check: a claimed or started run defers dispatch until the
	// run finalizes.
	active, err := s.store.ActiveRunForSession(ctx, parentSessionID)
	if err != nil {
		slog.Error("Failed to check parent activity",
			"parent_session_id", parentSessionID, "error", err)
		return
	}
	if active != nil {
		return
	}

	var batch, all []*models.Callback
	for _, cb := range completed {
		switch cb.Strategy {
		case models.CallbackImmediate:
			s.fire(ctx, parent, []*models.Callback{cb})
		case models.CallbackBatch:
			batch = append(batch, cb)
		case models.CallbackAll:
			all = append(all, cb)
		}
	}

	if len(batch) > 0 && s.batchWindowExpired(parentSessionID) {
		s.closeBatchWindow(parentSessionID)
		s.fire(ctx, parent, batch)
	}

	if len(all) > 0 {
		outstanding, err := s.store.ListCallbacks(ctx, store.CallbackFilter{
			ParentSessionID: parentSessionID,
			Statuses: []models.CallbackStatus{
				models.CallbackStatusPending,
				models.CallbackStatusChildRunning,
			},
		})
		if err != nil {
			slog.Error("Failed to list outstanding callbacks",
				"parent_session_id", parentSessionID, "error", err)
			return
		}
		if len(outstanding) == 0 {
			s.fire(ctx, parent, all)
		}
	}
}

// fire dispatches one resume run naming the finished children. Enqueue
// failure is final: the registration moves to callback_failed, no retry.
func (s *CallbackService) fire(ctx context.Context, parent *models.Session, cbs []*models.Callback) {
	prompt := SyntheticResumePrompt(cbs)

	_, err := s.runs.Create(ctx, models.CreateRunRequest{
		Type:      string(models.RunResumeSession),
		SessionID: parent.ID,
		Prompt:    prompt,
		CreatedBy: parent.CreatedBy,
	})

	status := models.CallbackStatusSent
	if err != nil {
		status = models.CallbackStatusFailed
		slog.Error("Callback dispatch failed",
			"parent_session_id", parent.ID, "callbacks", len(cbs), "error", err)
	} else {
		slog.Info("Callback dispatched",
			"parent_session_id", parent.ID, "callbacks", len(cbs))
	}

	for _, cb := range cbs {
		if err := s.setStatus(ctx, cb, status); err != nil {
			slog.Error("Failed to finalize callback", "callback_id", cb.ID, "error", err)
		}
	}
}

func (s *CallbackService) setStatus(ctx context.Context, cb *models.Callback, status models.CallbackStatus) error {
	cb.Status = status
	cb.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateCallback(ctx, cb); err != nil {
		return fmt.Errorf("failed to update callback: %w", err)
	}
	return nil
}
