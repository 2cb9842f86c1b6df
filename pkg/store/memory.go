package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
)

// Memory is an in-process Store used by tests and single-node dev mode.
// A single mutex serializes all mutations, which also gives the per-session
// append atomicity and the single-winner claim guarantee.
type Memory struct {
	mu sync.RWMutex

	sessions      map[string]*models.Session
	sessionByName map[string]string // created_by + "\x00" + name -> session id
	events        map[string][]*models.Event
	runs          map[string]*models.Run
	runners       map[string]*models.Runner
	callbacks     map[string]*models.Callback

	eventID int64 // global append id
	runSeq  int64 // FIFO order for the queue
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]*models.Session),
		sessionByName: make(map[string]string),
		events:        make(map[string][]*models.Event),
		runs:          make(map[string]*models.Run),
		runners:       make(map[string]*models.Runner),
		callbacks:     make(map[string]*models.Callback),
	}
}

var _ Store = (*Memory)(nil)

func nameKey(createdBy, name string) string {
	return createdBy + "\x00" + name
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	out.Tags = append(models.StringList(nil), s.Tags...)
	return &out
}

func cloneRun(r *models.Run) *models.Run {
	out := *r
	out.Tags = append(models.StringList(nil), r.Tags...)
	out.Parameters = r.Parameters.Clone()
	out.Blueprint = r.Blueprint.Clone()
	return &out
}

func cloneEvent(e *models.Event) *models.Event {
	out := *e
	out.Payload = e.Payload.Clone()
	return &out
}

func cloneRunner(r *models.Runner) *models.Runner {
	out := *r
	out.Tags = append(models.StringList(nil), r.Tags...)
	out.Agents = make(models.BlueprintList, 0, len(r.Agents))
	for _, bp := range r.Agents {
		out.Agents = append(out.Agents, bp.Clone())
	}
	return &out
}

func cloneCallback(cb *models.Callback) *models.Callback {
	out := *cb
	return &out
}

// --- Sessions ---

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.sessionByName[nameKey(s.CreatedBy, s.Name)]; ok {
		return ErrDuplicate
	}
	m.sessions[s.ID] = cloneSession(s)
	m.sessionByName[nameKey(s.CreatedBy, s.Name)] = s.ID
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) GetSessionByName(_ context.Context, createdBy, name string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.sessionByName[nameKey(createdBy, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *Memory) ListSessions(_ context.Context, f models.SessionFilters) ([]*models.Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if f.CreatedBy != "" && s.CreatedBy != f.CreatedBy {
			continue
		}
		if f.Status != "" && string(s.Status) != f.Status {
			continue
		}
		if f.Tag != "" && !s.Tags.Contains(f.Tag) {
			continue
		}
		matched = append(matched, cloneSession(s))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *Memory) UpdateSessionStatus(_ context.Context, id string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *Memory) SetSessionExecutorID(_ context.Context, id, executorSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ExecutorSessionID = &executorSessionID
	return nil
}

func (m *Memory) MarkSessionResumed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = models.SessionStatusPending
	t := at
	s.LastResumedAt = &t
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessionByName, nameKey(s.CreatedBy, s.Name))
	delete(m.sessions, id)
	delete(m.events, id)
	for cbID, cb := range m.callbacks {
		if cb.ParentSessionID == id || (cb.ChildSessionID != nil && *cb.ChildSessionID == id) {
			delete(m.callbacks, cbID)
		}
	}
	return nil
}

// --- Events ---

func (m *Memory) AppendEvent(_ context.Context, ev *models.Event) (*AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[ev.SessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status.Terminal() {
		return nil, ErrSessionTerminal
	}

	m.eventID++
	stored := cloneEvent(ev)
	stored.ID = m.eventID
	stored.Sequence = int64(len(m.events[ev.SessionID])) + 1
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	m.events[ev.SessionID] = append(m.events[ev.SessionID], stored)

	status, changed := DeriveStatus(s.Status, stored)
	if changed {
		s.Status = status
	}
	return &AppendResult{Event: cloneEvent(stored), Status: s.Status, StatusChanged: changed}, nil
}

func (m *Memory) ListEvents(_ context.Context, sessionID string, from int64, limit int) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	var out []*models.Event
	for _, ev := range m.events[sessionID] {
		if ev.Sequence < from {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LastTerminalEvent(_ context.Context, sessionID string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	evs := m.events[sessionID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type.Terminal() {
			return cloneEvent(evs[i]), nil
		}
	}
	return nil, nil
}

// --- Runs ---

func (m *Memory) CreateRun(_ context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID]; ok {
		return ErrDuplicate
	}
	m.runSeq++
	stored := cloneRun(r)
	stored.Seq = m.runSeq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.runs[r.ID] = stored
	r.Seq = stored.Seq
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func runMatches(r *models.Run, runnerID string, f RunFilter) bool {
	if r.Status != models.RunStatusPending {
		return false
	}
	if r.ExecutorType != "" && r.ExecutorType != f.ExecutorType {
		return false
	}
	if r.OwnerRunnerID != nil && *r.OwnerRunnerID != runnerID {
		return false
	}
	return models.StringList(f.Tags).ContainsAll(r.Tags)
}

func (m *Memory) ClaimNextRun(_ context.Context, runnerID string, f RunFilter) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var head *models.Run
	for _, r := range m.runs {
		if !runMatches(r, runnerID, f) {
			continue
		}
		if head == nil || r.Seq < head.Seq {
			head = r
		}
	}
	if head == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	head.Status = models.RunStatusClaimed
	head.ClaimedByRunnerID = &runnerID
	head.ClaimedAt = &now
	return cloneRun(head), nil
}

func (m *Memory) MarkRunStarted(_ context.Context, runID, runnerID, executorSessionID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RunStatusClaimed || r.ClaimedByRunnerID == nil || *r.ClaimedByRunnerID != runnerID {
		return nil, ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.Status = models.RunStatusStarted
	r.StartedAt = &now
	if executorSessionID != "" {
		r.ExecutorSessionID = &executorSessionID
	}
	return cloneRun(r), nil
}

func (m *Memory) FinishRun(_ context.Context, runID, runnerID string, status models.RunStatus, errMsg string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Status.Active() {
		return nil, ErrInvalidTransition
	}
	if runnerID != "" && (r.ClaimedByRunnerID == nil || *r.ClaimedByRunnerID != runnerID) {
		return nil, ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	if errMsg != "" {
		r.Error = &errMsg
	}
	return cloneRun(r), nil
}

func (m *Memory) StopPendingRun(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RunStatusPending {
		return nil, ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.Status = models.RunStatusStopped
	r.FinishedAt = &now
	return cloneRun(r), nil
}

func (m *Memory) RequestRunStop(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Status.Active() {
		return nil, ErrInvalidTransition
	}
	r.StopRequested = true
	return cloneRun(r), nil
}

func (m *Memory) StopRunIDs(_ context.Context, runnerID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, r := range m.runs {
		if r.Status.Active() && r.StopRequested &&
			r.ClaimedByRunnerID != nil && *r.ClaimedByRunnerID == runnerID {
			ids = append(ids, r.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ActiveRunForSession(_ context.Context, sessionID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.runs {
		if r.SessionID == sessionID && r.Status.Active() {
			return cloneRun(r), nil
		}
	}
	return nil, nil
}

func (m *Memory) OpenRunsForSession(_ context.Context, sessionID string) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Run
	for _, r := range m.runs {
		if r.SessionID == sessionID && !r.Status.Terminal() {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) ActiveRunsForRunner(_ context.Context, runnerID string) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Run
	for _, r := range m.runs {
		if r.Status.Active() && r.ClaimedByRunnerID != nil && *r.ClaimedByRunnerID == runnerID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// --- Runners ---

func (m *Memory) CreateRunner(_ context.Context, r *models.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runners[r.ID]; ok {
		return ErrDuplicate
	}
	m.runners[r.ID] = cloneRunner(r)
	return nil
}

func (m *Memory) GetRunner(_ context.Context, id string) (*models.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRunner(r), nil
}

func (m *Memory) ListRunners(_ context.Context, statuses ...models.RunnerStatus) ([]*models.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Runner
	for _, r := range m.runners {
		if len(statuses) > 0 {
			found := false
			for _, st := range statuses {
				if r.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, cloneRunner(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *Memory) TouchRunner(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok || r.Status == models.RunnerStatusRemoved {
		return ErrNotFound
	}
	r.LastHeartbeat = at
	r.Status = models.RunnerStatusOnline
	return nil
}

func (m *Memory) SetRunnerStatus(_ context.Context, id string, status models.RunnerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *Memory) FindRunnerBlueprint(_ context.Context, name string) (*models.AgentBlueprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.runners {
		if r.Status == models.RunnerStatusRemoved {
			continue
		}
		for _, bp := range r.Agents {
			if bp.Name == name {
				out := bp.Clone()
				out.Source = models.BlueprintSourceRunner
				out.OwnerRunnerID = r.ID
				return out, nil
			}
		}
	}
	return nil, ErrNotFound
}

// --- Callbacks ---

func (m *Memory) CreateCallback(_ context.Context, cb *models.Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.callbacks[cb.ID]; ok {
		return ErrDuplicate
	}
	m.callbacks[cb.ID] = cloneCallback(cb)
	return nil
}

func (m *Memory) GetCallback(_ context.Context, id string) (*models.Callback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.callbacks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCallback(cb), nil
}

func (m *Memory) UpdateCallback(_ context.Context, cb *models.Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.callbacks[cb.ID]; !ok {
		return ErrNotFound
	}
	stored := cloneCallback(cb)
	stored.UpdatedAt = time.Now().UTC()
	m.callbacks[cb.ID] = stored
	return nil
}

func (m *Memory) ListCallbacks(_ context.Context, f CallbackFilter) ([]*models.Callback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Callback
	for _, cb := range m.callbacks {
		if f.ParentSessionID != "" && cb.ParentSessionID != f.ParentSessionID {
			continue
		}
		if f.ChildSessionID != "" && (cb.ChildSessionID == nil || *cb.ChildSessionID != f.ChildSessionID) {
			continue
		}
		if f.ChildSessionName != "" && cb.ChildSessionName != f.ChildSessionName {
			continue
		}
		if len(f.Statuses) > 0 {
			found := false
			for _, st := range f.Statuses {
				if cb.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, cloneCallback(cb))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteCallbacksForSession(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, cb := range m.callbacks {
		if cb.ParentSessionID == sessionID || (cb.ChildSessionID != nil && *cb.ChildSessionID == sessionID) {
			delete(m.callbacks, id)
			n++
		}
	}
	return n, nil
}

// --- Retention ---

func (m *Memory) DeleteSessionsBefore(_ context.Context, cutoff time.Time, statuses []models.SessionStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		match := false
		for _, st := range statuses {
			if s.Status == st {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		delete(m.sessionByName, nameKey(s.CreatedBy, s.Name))
		delete(m.sessions, id)
		delete(m.events, id)
		n++
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
