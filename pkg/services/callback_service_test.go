package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// startChild enqueues a child start run under parent with the given strategy.
func startChild(t *testing.T, env *testEnv, parent *models.Session, strategy string, batchDelay int) *models.Session {
	t.Helper()
	resp, err := env.runs.Create(context.Background(), models.CreateRunRequest{
		Type:              string(models.RunStartSession),
		AgentName:         "researcher",
		Prompt:            "child task",
		CreatedBy:         "alice",
		ParentSessionID:   parent.ID,
		CallbackStrategy:  strategy,
		BatchDelaySeconds: batchDelay,
	})
	require.NoError(t, err)
	child, err := env.sessions.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	return child
}

func callbackFor(t *testing.T, env *testEnv, childSessionID string) *models.Callback {
	t.Helper()
	cbs, err := env.callbacks.List(context.Background(), store.CallbackFilter{ChildSessionID: childSessionID})
	require.NoError(t, err)
	require.Len(t, cbs, 1)
	return cbs[0]
}

// parentResumeRuns returns the parent's open resume runs.
func parentResumeRuns(t *testing.T, env *testEnv, parentID string) []*models.Run {
	t.Helper()
	open, err := env.store.OpenRunsForSession(context.Background(), parentID)
	require.NoError(t, err)
	var out []*models.Run
	for _, r := range open {
		if r.Type == models.RunResumeSession {
			out = append(out, r)
		}
	}
	return out
}

func TestCallbackServiceRegister(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("validation", func(t *testing.T) {
		_, err := env.callbacks.Register(ctx, RegisterCallbackRequest{
			ChildSessionName: "child",
			Strategy:         string(models.CallbackImmediate),
		})
		assert.True(t, IsValidationError(err), "parent_session_id is required")

		_, err = env.callbacks.Register(ctx, RegisterCallbackRequest{
			ParentSessionID:  "ses_parent",
			ChildSessionName: "child",
			Strategy:         "someday",
		})
		assert.True(t, IsValidationError(err), "unknown strategy")

		_, err = env.callbacks.Register(ctx, RegisterCallbackRequest{
			ParentSessionID:  "ses_parent",
			ChildSessionName: "child",
			Strategy:         string(models.CallbackBatch),
		})
		assert.True(t, IsValidationError(err), "batch needs a delay")
	})

	t.Run("configured default batch delay", func(t *testing.T) {
		callbacks := NewCallbackService(env.store, CallbackServiceConfig{DefaultBatchDelaySeconds: 45})
		cb, err := callbacks.Register(ctx, RegisterCallbackRequest{
			ParentSessionID:  "ses_parent",
			ChildSessionName: "batched-child",
			Strategy:         string(models.CallbackBatch),
		})
		require.NoError(t, err)
		assert.Equal(t, 45, cb.BatchDelaySeconds)
	})

	t.Run("pending until the child exists", func(t *testing.T) {
		cb, err := env.callbacks.Register(ctx, RegisterCallbackRequest{
			ParentSessionID:  "ses_parent",
			ChildSessionName: "future-child",
			Strategy:         string(models.CallbackImmediate),
		})
		require.NoError(t, err)
		assert.Equal(t, models.CallbackStatusPending, cb.Status)

		child := env.createSession(t, "future-child", "researcher", "alice")
		got := callbackFor(t, env, child.ID)
		assert.Equal(t, models.CallbackStatusChildRunning, got.Status)
	})

	t.Run("cancel", func(t *testing.T) {
		cb, err := env.callbacks.Register(ctx, RegisterCallbackRequest{
			ParentSessionID:  "ses_parent",
			ChildSessionName: "other-child",
			Strategy:         string(models.CallbackImmediate),
		})
		require.NoError(t, err)
		require.NoError(t, env.callbacks.Cancel(ctx, cb.ID))

		got, err := env.store.GetCallback(ctx, cb.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CallbackStatusCancelled, got.Status)

		// Terminal registrations are left alone.
		assert.NoError(t, env.callbacks.Cancel(ctx, cb.ID))
		assert.ErrorIs(t, env.callbacks.Cancel(ctx, "cb_missing"), ErrNotFound)
	})
}

func TestCallbackImmediate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	parent := env.createSession(t, "parent", "researcher", "alice")
	child := startChild(t, env, parent, string(models.CallbackImmediate), 0)

	env.finishSession(t, child.ID, "child answer")

	cb := callbackFor(t, env, child.ID)
	assert.Equal(t, models.CallbackStatusSent, cb.Status)
	require.NotNil(t, cb.ChildStatus)
	assert.Equal(t, string(models.SessionStatusFinished), *cb.ChildStatus)

	resumes := parentResumeRuns(t, env, parent.ID)
	require.Len(t, resumes, 1)
	prompt, _ := resumes[0].Parameters["prompt"].(string)
	assert.Contains(t, prompt, child.Name)
	assert.Contains(t, prompt, "get_session_result")

	// The parent session was re-opened for the resume run.
	got, err := env.sessions.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, got.Status)
}

func TestCallbackDeferredWhileParentBusy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	parent := env.createSession(t, "parent", "researcher", "alice")
	child := startChild(t, env, parent, string(models.CallbackImmediate), 0)

	// Keep the parent busy with a claimed resume run.
	busy, err := env.runs.Create(ctx, models.CreateRunRequest{
		Type:      string(models.RunResumeSession),
		SessionID: parent.ID,
		Prompt:    "long think",
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	for {
		run, err := env.store.ClaimNextRun(ctx, "runner-a", store.RunFilter{ExecutorType: "claude"})
		require.NoError(t, err)
		require.NotNil(t, run)
		if run.ID == busy.RunID {
			break
		}
	}

	env.finishSession(t, child.ID, "child answer")

	// Completed child, but dispatch is deferred.
	cb := callbackFor(t, env, child.ID)
	assert.Equal(t, models.CallbackStatusChildCompleted, cb.Status)
	assert.Empty(t, parentResumeRuns(t, env, parent.ID))

	// The parent's run finalizing triggers the deferred dispatch.
	require.NoError(t, env.runs.Completed(ctx, busy.RunID, models.ReportCompletedRequest{RunnerID: "runner-a"}))

	cb = callbackFor(t, env, child.ID)
	assert.Equal(t, models.CallbackStatusSent, cb.Status)
	assert.Len(t, parentResumeRuns(t, env, parent.ID), 1)
}

func TestCallbackAllStrategy(t *testing.T) {
	env := newTestEnv(t)

	parent := env.createSession(t, "parent", "researcher", "alice")
	first := startChild(t, env, parent, string(models.CallbackAll), 0)
	second := startChild(t, env, parent, string(models.CallbackAll), 0)

	env.finishSession(t, first.ID, "first done")

	// One sibling still running holds the dispatch back.
	assert.Equal(t, models.CallbackStatusChildCompleted, callbackFor(t, env, first.ID).Status)
	assert.Empty(t, parentResumeRuns(t, env, parent.ID))

	env.finishSession(t, second.ID, "second done")

	assert.Equal(t, models.CallbackStatusSent, callbackFor(t, env, first.ID).Status)
	assert.Equal(t, models.CallbackStatusSent, callbackFor(t, env, second.ID).Status)

	resumes := parentResumeRuns(t, env, parent.ID)
	require.Len(t, resumes, 1, "both completions ride one resume run")
	prompt, _ := resumes[0].Parameters["prompt"].(string)
	assert.Contains(t, prompt, first.Name)
	assert.Contains(t, prompt, second.Name)
}

func TestCallbackBatchWindow(t *testing.T) {
	env := newTestEnv(t)

	parent := env.createSession(t, "parent", "researcher", "alice")
	child := startChild(t, env, parent, string(models.CallbackBatch), 1)

	env.finishSession(t, child.ID, "done")

	// Inside the window nothing fires yet.
	assert.Equal(t, models.CallbackStatusChildCompleted, callbackFor(t, env, child.ID).Status)
	assert.Empty(t, parentResumeRuns(t, env, parent.ID))

	// The window timer fires the dispatch on its own.
	require.Eventually(t, func() bool {
		return callbackFor(t, env, child.ID).Status == models.CallbackStatusSent
	}, 3*time.Second, 50*time.Millisecond)
	assert.Len(t, parentResumeRuns(t, env, parent.ID), 1)
}

func TestCallbackChildDeleted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	parent := env.createSession(t, "parent", "researcher", "alice")
	child := startChild(t, env, parent, string(models.CallbackImmediate), 0)
	cb := callbackFor(t, env, child.ID)

	require.NoError(t, env.sessions.Delete(ctx, child.ID))

	got, err := env.store.GetCallback(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallbackStatusCancelled, got.Status)
	assert.Empty(t, parentResumeRuns(t, env, parent.ID))
}

func TestCallbackReload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	parent := env.createSession(t, "parent", "researcher", "alice")
	child := env.createSession(t, "offline-child", "researcher", "alice")

	_, err := env.callbacks.Register(ctx, RegisterCallbackRequest{
		ParentSessionID:   parent.ID,
		ParentSessionName: parent.Name,
		ChildSessionName:  child.Name,
		ChildSessionID:    child.ID,
		Strategy:          string(models.CallbackImmediate),
	})
	require.NoError(t, err)

	// The child terminates behind the coordinator's back, the way it would
	// while the process is down.
	_, err = env.store.AppendEvent(ctx, &models.Event{
		SessionID: child.ID,
		Type:      models.EventResult,
		Payload:   models.JSONMap{"result_text": "finished offline"},
	})
	require.NoError(t, err)

	require.NoError(t, env.callbacks.Reload(ctx))

	cb := callbackFor(t, env, child.ID)
	assert.Equal(t, models.CallbackStatusSent, cb.Status)
	require.NotNil(t, cb.ChildStatus)
	assert.Equal(t, string(models.SessionStatusFinished), *cb.ChildStatus)
	assert.Len(t, parentResumeRuns(t, env, parent.ID), 1)

	t.Run("orphaned registrations are cancelled", func(t *testing.T) {
		orphan, err := env.callbacks.Register(ctx, RegisterCallbackRequest{
			ParentSessionID:   parent.ID,
			ParentSessionName: parent.Name,
			ChildSessionName:  "gone-child",
			ChildSessionID:    "ses_gone",
			Strategy:          string(models.CallbackImmediate),
		})
		require.NoError(t, err)

		require.NoError(t, env.callbacks.Reload(ctx))

		got, err := env.store.GetCallback(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CallbackStatusCancelled, got.Status)
	})
}
