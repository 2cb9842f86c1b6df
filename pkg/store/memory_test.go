package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/models"
)

func newSession(id, name, createdBy string) *models.Session {
	return &models.Session{
		ID:        id,
		Name:      name,
		AgentName: "researcher",
		CreatedBy: createdBy,
		Status:    models.SessionStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func newRun(id, sessionID string) *models.Run {
	return &models.Run{
		ID:           id,
		Type:         models.RunStartSession,
		SessionID:    sessionID,
		AgentName:    "researcher",
		ExecutorType: "claude",
		Status:       models.RunStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemorySessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, m.CreateSession(ctx, newSession("ses_1", "alpha", "alice")))

		got, err := m.GetSession(ctx, "ses_1")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		assert.Equal(t, models.SessionStatusPending, got.Status)
	})

	t.Run("duplicate name per creator rejected", func(t *testing.T) {
		err := m.CreateSession(ctx, newSession("ses_2", "alpha", "alice"))
		assert.ErrorIs(t, err, ErrDuplicate)

		// Same name under a different creator is fine.
		require.NoError(t, m.CreateSession(ctx, newSession("ses_3", "alpha", "bob")))
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := m.GetSessionByName(ctx, "alice", "alpha")
		require.NoError(t, err)
		assert.Equal(t, "ses_1", got.ID)

		_, err = m.GetSessionByName(ctx, "alice", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark resumed re-opens terminal session", func(t *testing.T) {
		require.NoError(t, m.UpdateSessionStatus(ctx, "ses_1", models.SessionStatusFinished))

		at := time.Now().UTC()
		require.NoError(t, m.MarkSessionResumed(ctx, "ses_1", at))

		got, err := m.GetSession(ctx, "ses_1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusPending, got.Status)
		require.NotNil(t, got.LastResumedAt)
		assert.WithinDuration(t, at, *got.LastResumedAt, time.Second)
	})

	t.Run("delete cascades", func(t *testing.T) {
		require.NoError(t, m.DeleteSession(ctx, "ses_1"))
		_, err := m.GetSession(ctx, "ses_1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Name is freed.
		require.NoError(t, m.CreateSession(ctx, newSession("ses_4", "alpha", "alice")))
	})
}

func TestMemoryListSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 5; i++ {
		s := newSession(fmt.Sprintf("ses_%d", i), fmt.Sprintf("s-%d", i), "alice")
		if i%2 == 0 {
			s.Tags = models.StringList{"batch"}
		}
		require.NoError(t, m.CreateSession(ctx, s))
	}
	require.NoError(t, m.CreateSession(ctx, newSession("ses_bob", "s-bob", "bob")))

	sessions, total, err := m.ListSessions(ctx, models.SessionFilters{CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, sessions, 5)

	sessions, total, err = m.ListSessions(ctx, models.SessionFilters{Tag: "batch"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, sessions, 3)

	sessions, total, err = m.ListSessions(ctx, models.SessionFilters{CreatedBy: "alice", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, sessions, 1)
}

func TestMemoryAppendEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateSession(ctx, newSession("ses_1", "alpha", "alice")))

	t.Run("sequences are monotonic", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			res, err := m.AppendEvent(ctx, &models.Event{
				SessionID: "ses_1",
				Type:      models.EventMessage,
				Payload:   models.JSONMap{"role": "assistant", "content": "hi"},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i), res.Event.Sequence)
		}
	})

	t.Run("first event flips pending to running", func(t *testing.T) {
		got, err := m.GetSession(ctx, "ses_1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusRunning, got.Status)
	})

	t.Run("result event finishes the session", func(t *testing.T) {
		res, err := m.AppendEvent(ctx, &models.Event{
			SessionID: "ses_1",
			Type:      models.EventResult,
			Payload:   models.JSONMap{"result_text": "done"},
		})
		require.NoError(t, err)
		assert.True(t, res.StatusChanged)
		assert.Equal(t, models.SessionStatusFinished, res.Status)
	})

	t.Run("append after terminal rejected", func(t *testing.T) {
		_, err := m.AppendEvent(ctx, &models.Event{
			SessionID: "ses_1",
			Type:      models.EventMessage,
		})
		assert.ErrorIs(t, err, ErrSessionTerminal)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := m.AppendEvent(ctx, &models.Event{SessionID: "ses_missing", Type: models.EventMessage})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStatusDerivation(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		event   *models.Event
		want    models.SessionStatus
	}{
		{"stop exit zero", &models.Event{Type: models.EventSessionStop, Payload: models.JSONMap{"exit_code": float64(0)}}, models.SessionStatusFinished},
		{"stop exit nonzero", &models.Event{Type: models.EventSessionStop, Payload: models.JSONMap{"exit_code": float64(3)}}, models.SessionStatusFailed},
		{"run failed", &models.Event{Type: models.EventRunFailed, Payload: models.JSONMap{"error": "boom"}}, models.SessionStatusFailed},
		{"result", &models.Event{Type: models.EventResult, Payload: models.JSONMap{"result_text": "ok"}}, models.SessionStatusFinished},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMemory()
			id := fmt.Sprintf("ses_%d", i)
			require.NoError(t, m.CreateSession(ctx, newSession(id, "s-"+tc.name, "alice")))

			ev := *tc.event
			ev.SessionID = id
			res, err := m.AppendEvent(ctx, &ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
		})
	}
}

func TestMemoryLastTerminalEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateSession(ctx, newSession("ses_1", "alpha", "alice")))

	ev, err := m.LastTerminalEvent(ctx, "ses_1")
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = m.AppendEvent(ctx, &models.Event{SessionID: "ses_1", Type: models.EventSessionStart})
	require.NoError(t, err)
	_, err = m.AppendEvent(ctx, &models.Event{SessionID: "ses_1", Type: models.EventResult, Payload: models.JSONMap{"result_text": "x"}})
	require.NoError(t, err)

	ev, err = m.LastTerminalEvent(ctx, "ses_1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventResult, ev.Type)
}

func TestMemoryClaimNextRun(t *testing.T) {
	ctx := context.Background()

	t.Run("FIFO within matching subset", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateRun(ctx, newRun("run_1", "ses_1")))
		require.NoError(t, m.CreateRun(ctx, newRun("run_2", "ses_2")))

		r, err := m.ClaimNextRun(ctx, "runner-a", RunFilter{ExecutorType: "claude"})
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, "run_1", r.ID)
		assert.Equal(t, models.RunStatusClaimed, r.Status)
		require.NotNil(t, r.ClaimedByRunnerID)
		assert.Equal(t, "runner-a", *r.ClaimedByRunnerID)
	})

	t.Run("executor type must match", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateRun(ctx, newRun("run_1", "ses_1")))

		r, err := m.ClaimNextRun(ctx, "runner-a", RunFilter{ExecutorType: "cli"})
		require.NoError(t, err)
		assert.Nil(t, r)
	})

	t.Run("owner-pinned runs only go to their runner", func(t *testing.T) {
		m := NewMemory()
		owner := "runner-owner"
		run := newRun("run_1", "ses_1")
		run.OwnerRunnerID = &owner
		require.NoError(t, m.CreateRun(ctx, run))

		r, err := m.ClaimNextRun(ctx, "runner-other", RunFilter{ExecutorType: "claude"})
		require.NoError(t, err)
		assert.Nil(t, r)

		r, err = m.ClaimNextRun(ctx, owner, RunFilter{ExecutorType: "claude"})
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, "run_1", r.ID)
	})

	t.Run("run tags must be subset of runner tags", func(t *testing.T) {
		m := NewMemory()
		run := newRun("run_1", "ses_1")
		run.Tags = models.StringList{"gpu", "linux"}
		require.NoError(t, m.CreateRun(ctx, run))

		r, err := m.ClaimNextRun(ctx, "runner-a", RunFilter{ExecutorType: "claude", Tags: []string{"gpu"}})
		require.NoError(t, err)
		assert.Nil(t, r)

		r, err = m.ClaimNextRun(ctx, "runner-a", RunFilter{ExecutorType: "claude", Tags: []string{"gpu", "linux", "extra"}})
		require.NoError(t, err)
		require.NotNil(t, r)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateRun(ctx, newRun("run_1", "ses_1")))

		const pollers = 16
		var wg sync.WaitGroup
		wins := make(chan string, pollers)
		for i := 0; i < pollers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				r, err := m.ClaimNextRun(ctx, fmt.Sprintf("runner-%d", n), RunFilter{ExecutorType: "claude"})
				require.NoError(t, err)
				if r != nil {
					wins <- r.ID
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		count := 0
		for range wins {
			count++
		}
		assert.Equal(t, 1, count)
	})
}

func TestMemoryRunTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateRun(ctx, newRun("run_1", "ses_1")))

	_, err := m.MarkRunStarted(ctx, "run_1", "runner-a", "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot start an unclaimed run")

	r, err := m.ClaimNextRun(ctx, "runner-a", RunFilter{ExecutorType: "claude"})
	require.NoError(t, err)
	require.NotNil(t, r)

	_, err = m.MarkRunStarted(ctx, "run_1", "runner-b", "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "wrong runner cannot start")

	r, err = m.MarkRunStarted(ctx, "run_1", "runner-a", "exec-123")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStarted, r.Status)
	require.NotNil(t, r.ExecutorSessionID)
	assert.Equal(t, "exec-123", *r.ExecutorSessionID)

	r, err = m.FinishRun(ctx, "run_1", "runner-a", models.RunStatusFinished, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, r.Status)
	require.NotNil(t, r.FinishedAt)

	_, err = m.FinishRun(ctx, "run_1", "runner-a", models.RunStatusFailed, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal runs stay terminal")
}

func TestMemoryStopSignals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t.Run("pending run stops directly", func(t *testing.T) {
		require.NoError(t, m.CreateRun(ctx, newRun("run_1", "ses_1")))
		r, err := m.StopPendingRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusStopped, r.Status)
	})

	t.Run("active run gets a stop flag delivered via StopRunIDs", func(t *testing.T) {
		require.NoError(t, m.CreateRun(ctx, newRun("run_2", "ses_2")))
		_, err := m.ClaimNextRun(ctx, "runner-a", RunFilter{ExecutorType: "claude"})
		require.NoError(t, err)

		_, err = m.RequestRunStop(ctx, "run_2")
		require.NoError(t, err)

		ids, err := m.StopRunIDs(ctx, "runner-a")
		require.NoError(t, err)
		assert.Equal(t, []string{"run_2"}, ids)

		ids, err = m.StopRunIDs(ctx, "runner-b")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestMemoryRunnerBlueprints(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateRunner(ctx, &models.Runner{
		ID:           "runner-a",
		Hostname:     "host-a",
		ExecutorType: "cli",
		Status:       models.RunnerStatusOnline,
		Agents: models.BlueprintList{
			{Name: "web-crawler", Type: models.AgentProcedural},
		},
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
	}))

	bp, err := m.FindRunnerBlueprint(ctx, "web-crawler")
	require.NoError(t, err)
	assert.Equal(t, "runner-a", bp.OwnerRunnerID)
	assert.Equal(t, models.BlueprintSourceRunner, bp.Source)

	_, err = m.FindRunnerBlueprint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removed runners no longer contribute blueprints.
	require.NoError(t, m.SetRunnerStatus(ctx, "runner-a", models.RunnerStatusRemoved))
	_, err = m.FindRunnerBlueprint(ctx, "web-crawler")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCallbacks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	cb := &models.Callback{
		ID:                "cb_1",
		ParentSessionID:   "ses_parent",
		ParentSessionName: "parent",
		ChildSessionName:  "child",
		Strategy:          models.CallbackImmediate,
		Status:            models.CallbackStatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, m.CreateCallback(ctx, cb))

	childID := "ses_child"
	cb.ChildSessionID = &childID
	cb.Status = models.CallbackStatusChildRunning
	require.NoError(t, m.UpdateCallback(ctx, cb))

	got, err := m.ListCallbacks(ctx, CallbackFilter{ChildSessionID: "ses_child"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.CallbackStatusChildRunning, got[0].Status)

	got, err = m.ListCallbacks(ctx, CallbackFilter{
		ParentSessionID: "ses_parent",
		Statuses:        []models.CallbackStatus{models.CallbackStatusPending},
	})
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := m.DeleteCallbacksForSession(ctx, "ses_parent")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	old := newSession("ses_old", "old", "alice")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	old.Status = models.SessionStatusFinished
	require.NoError(t, m.CreateSession(ctx, old))

	fresh := newSession("ses_new", "new", "alice")
	fresh.Status = models.SessionStatusFinished
	require.NoError(t, m.CreateSession(ctx, fresh))

	running := newSession("ses_run", "run", "alice")
	running.CreatedAt = time.Now().Add(-48 * time.Hour)
	running.Status = models.SessionStatusRunning
	require.NoError(t, m.CreateSession(ctx, running))

	n, err := m.DeleteSessionsBefore(ctx, time.Now().Add(-24*time.Hour),
		[]models.SessionStatus{models.SessionStatusFinished, models.SessionStatusFailed, models.SessionStatusStopped})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetSession(ctx, "ses_old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetSession(ctx, "ses_run")
	assert.NoError(t, err)
}
