// Package store provides durable storage for the five persistent entity
// families: sessions, events, runs, runners, and callbacks.
//
// Two implementations exist: Postgres (sqlx over the pgx stdlib driver, with
// embedded golang-migrate migrations) for production, and Memory for tests
// and single-node development. Both enforce the same transactional
// guarantees: an event append and its derived session-status update commit
// together, and a run claim is won by at most one runner.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("entity already exists")

	// ErrSessionTerminal is returned when appending to a session whose
	// status admits no further events.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrInvalidTransition is returned when a run status report does not
	// match the run's current state or claiming runner.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// AppendResult describes the outcome of a durable event append.
type AppendResult struct {
	Event *models.Event
	// Status is the session status after the append.
	Status models.SessionStatus
	// StatusChanged reports whether the append moved the session to a new
	// status (first event, or a terminal event).
	StatusChanged bool
}

// RunFilter narrows which pending runs a runner may claim.
type RunFilter struct {
	// ExecutorType must equal the run's required executor type.
	ExecutorType string
	// ExecutorProfile is informational; runs pin to a runner via
	// OwnerRunnerID, not the profile.
	ExecutorProfile string
	// Tags is the claiming runner's tag set. A run matches when its
	// required tags are a subset of these.
	Tags []string
}

// CallbackFilter narrows callback listings.
type CallbackFilter struct {
	ParentSessionID  string
	ChildSessionID   string
	ChildSessionName string
	Statuses         []models.CallbackStatus
}

// Store is the durable persistence boundary. All methods are safe for
// concurrent use.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByName(ctx context.Context, createdBy, name string) (*models.Session, error)
	ListSessions(ctx context.Context, f models.SessionFilters) ([]*models.Session, int, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
	SetSessionExecutorID(ctx context.Context, id, executorSessionID string) error
	// MarkSessionResumed re-opens a session for a resume run: status back
	// to pending and last_resumed_at stamped.
	MarkSessionResumed(ctx context.Context, id string, at time.Time) error
	// DeleteSession removes the session, its events, and its callback
	// registrations in one transaction. Runs are left for the caller to
	// finalize first (they reference the session by id only).
	DeleteSession(ctx context.Context, id string) error

	// Events.
	// AppendEvent assigns the next per-session sequence, stores the event,
	// and derives the session status in the same transaction. Returns
	// ErrNotFound for unknown sessions and ErrSessionTerminal once a
	// terminal event is durably stored.
	AppendEvent(ctx context.Context, ev *models.Event) (*AppendResult, error)
	// ListEvents returns events ordered by sequence, starting at
	// fromSequence (exclusive when > 0 semantics are the caller's: the
	// store returns sequence >= from). limit <= 0 means no limit.
	ListEvents(ctx context.Context, sessionID string, from int64, limit int) ([]*models.Event, error)
	LastTerminalEvent(ctx context.Context, sessionID string) (*models.Event, error)

	// Runs.
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// ClaimNextRun atomically transitions the oldest matching pending run
	// to claimed, stamping the runner id and claim time. Returns (nil, nil)
	// when nothing matches.
	ClaimNextRun(ctx context.Context, runnerID string, f RunFilter) (*models.Run, error)
	// MarkRunStarted transitions claimed -> started for the owning runner.
	MarkRunStarted(ctx context.Context, runID, runnerID, executorSessionID string) (*models.Run, error)
	// FinishRun transitions claimed/started -> the given terminal status
	// for the owning runner. Pass runnerID "" to finalize regardless of
	// owner (runner-loss cascade, session delete).
	FinishRun(ctx context.Context, runID, runnerID string, status models.RunStatus, errMsg string) (*models.Run, error)
	// StopPendingRun transitions pending -> stopped. Returns
	// ErrInvalidTransition if the run is no longer pending.
	StopPendingRun(ctx context.Context, runID string) (*models.Run, error)
	// RequestRunStop flags an active run for stop delivery on the owning
	// runner's next poll.
	RequestRunStop(ctx context.Context, runID string) (*models.Run, error)
	// StopRunIDs lists the active runs of a runner that have a pending
	// stop request.
	StopRunIDs(ctx context.Context, runnerID string) ([]string, error)
	// ActiveRunForSession returns the session's run in claimed/started
	// state, or (nil, nil) when the session is idle.
	ActiveRunForSession(ctx context.Context, sessionID string) (*models.Run, error)
	// OpenRunsForSession returns the session's non-terminal runs.
	OpenRunsForSession(ctx context.Context, sessionID string) ([]*models.Run, error)
	ActiveRunsForRunner(ctx context.Context, runnerID string) ([]*models.Run, error)

	// Runners.
	CreateRunner(ctx context.Context, r *models.Runner) error
	GetRunner(ctx context.Context, id string) (*models.Runner, error)
	ListRunners(ctx context.Context, statuses ...models.RunnerStatus) ([]*models.Runner, error)
	// TouchRunner records a heartbeat and flips stale runners back online.
	TouchRunner(ctx context.Context, id string, at time.Time) error
	SetRunnerStatus(ctx context.Context, id string, status models.RunnerStatus) error
	// FindRunnerBlueprint looks up a runner-owned blueprint by name across
	// online and stale runners.
	FindRunnerBlueprint(ctx context.Context, name string) (*models.AgentBlueprint, error)

	// Callbacks.
	CreateCallback(ctx context.Context, cb *models.Callback) error
	GetCallback(ctx context.Context, id string) (*models.Callback, error)
	UpdateCallback(ctx context.Context, cb *models.Callback) error
	ListCallbacks(ctx context.Context, f CallbackFilter) ([]*models.Callback, error)
	DeleteCallbacksForSession(ctx context.Context, sessionID string) (int, error)

	// Retention. DeleteSessionsBefore removes terminal sessions (and their
	// events and callbacks) whose creation time is older than cutoff.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time, statuses []models.SessionStatus) (int, error)

	Close() error
}

// DeriveStatus computes the session status implied by an appended event.
// The zero return with changed=false means the event does not move the
// session beyond running.
func DeriveStatus(current models.SessionStatus, ev *models.Event) (models.SessionStatus, bool) {
	switch ev.Type {
	case models.EventResult:
		return models.SessionStatusFinished, true
	case models.EventSessionStop:
		if code, ok := ev.ExitCode(); ok && code != 0 {
			return models.SessionStatusFailed, true
		}
		return models.SessionStatusFinished, true
	case models.EventRunFailed:
		return models.SessionStatusFailed, true
	}
	if current == models.SessionStatusPending {
		return models.SessionStatusRunning, true
	}
	return current, false
}
