package e2e

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/api"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
)

// TestAutonomousRunLifecycle drives a start_session run through the full
// happy path: enqueue over HTTP, claim over the runner protocol, stream
// events, and finish with a result the caller can fetch.
func TestAutonomousRunLifecycle(t *testing.T) {
	app := NewTestApp(t)
	rnr := app.StartRunner("claude", nil)

	var created models.CreateRunResponse
	resp := app.do(http.MethodPost, "/api/v1/runs", "alice", models.CreateRunRequest{
		Type:      string(models.RunStartSession),
		AgentName: "researcher",
		Prompt:    "Hello",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.RunID)
	require.NotEmpty(t, created.SessionID)

	run := rnr.Claim(2 * time.Second)
	assert.Equal(t, created.RunID, run.ID)
	assert.Equal(t, models.RunStartSession, run.Type)
	assert.Equal(t, created.SessionID, run.SessionID)
	assert.Equal(t, "Hello", run.Parameters["prompt"])
	require.NotNil(t, run.Blueprint, "claimed run must carry the resolved blueprint")

	rnr.FinishRun(run, "Hi")

	var session models.Session
	resp = app.do(http.MethodGet, "/api/v1/sessions/"+created.SessionID, "alice", nil, &session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SessionStatusFinished, session.Status)

	var result models.ResultResponse
	resp = app.do(http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/result", "alice", nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "autonomous", result.ResultType)
	assert.Equal(t, "Hi", result.ResultText)

	var got models.Run
	resp = app.do(http.MethodGet, "/api/v1/runs/"+created.RunID, "alice", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.RunStatusFinished, got.Status)
}

// TestProceduralValidationFailure submits parameters that violate the
// agent's schema. The request is rejected up front: no session, no run, no
// events.
func TestProceduralValidationFailure(t *testing.T) {
	app := NewTestApp(t)

	var body api.ValidationFailedResponse
	resp := app.do(http.MethodPost, "/api/v1/runs", "alice", models.CreateRunRequest{
		Type:       string(models.RunStartSession),
		AgentName:  "web-crawler",
		Parameters: models.JSONMap{"url": "not-a-url"},
	}, &body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, "validation_failed", body.Error)
	require.NotEmpty(t, body.ValidationErrors)
	assert.Equal(t, "$.url", body.ValidationErrors[0].Path)
	assert.NotEmpty(t, body.Schema, "rejection carries the schema so callers can self-correct")

	var list models.SessionListResponse
	resp = app.do(http.MethodGet, "/api/v1/sessions", "alice", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list.Sessions, "rejected run must not leave a session behind")
}

// TestRunnerLossCascade silences a runner mid-execution and waits for the
// staleness sweep to remove it: the run fails, the session fails, and
// subscribers hear about it.
func TestRunnerLossCascade(t *testing.T) {
	app := NewTestApp(t, WithRunnerTimings(100*time.Millisecond, 250*time.Millisecond, 50*time.Millisecond))
	rnr := app.StartRunner("claude", nil)

	var created models.CreateRunResponse
	resp := app.do(http.MethodPost, "/api/v1/runs", "alice", models.CreateRunRequest{
		Type:      string(models.RunStartSession),
		AgentName: "researcher",
		Prompt:    "long task",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	run := rnr.Claim(2 * time.Second)
	require.NoError(t, rnr.Client.ReportStarted(context.Background(), run.ID, models.ReportStartedRequest{RunnerID: rnr.ID}))
	rnr.Emit(run.SessionID, string(models.EventSessionStart), models.JSONMap{})

	stream := app.openSSE(t, "alice", "session_id="+created.SessionID+"&include_init=false", "")

	// No more heartbeats. The sweep marks the runner stale, then removes it.
	require.Eventually(t, func() bool {
		var got models.Run
		app.do(http.MethodGet, "/api/v1/runs/"+created.RunID, "alice", nil, &got)
		return got.Status == models.RunStatusFailed
	}, 5*time.Second, 25*time.Millisecond, "run should fail once the runner is removed")

	var got models.Run
	app.do(http.MethodGet, "/api/v1/runs/"+created.RunID, "alice", nil, &got)
	require.NotNil(t, got.Error)
	assert.Equal(t, "runner disconnected during execution", *got.Error)

	var session models.Session
	app.do(http.MethodGet, "/api/v1/sessions/"+created.SessionID, "alice", nil, &session)
	assert.Equal(t, models.SessionStatusFailed, session.Status)

	var evs models.EventListResponse
	app.do(http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/events", "alice", nil, &evs)
	require.NotEmpty(t, evs.Events)
	assert.Equal(t, models.EventRunFailed, evs.Events[len(evs.Events)-1].Type)

	// The stream reports the session failing.
	sawFailure := false
	for i := 0; i < 10 && !sawFailure; i++ {
		msg := stream.next(t)
		if msg.Type != events.TypeSessionUpdated {
			continue
		}
		if payload, ok := msg.Payload.(map[string]any); ok && payload["status"] == string(models.SessionStatusFailed) {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure, "expected a session_updated frame with status failed")
}

// TestImmediateCallbackResume finishes a child registered with the immediate
// strategy while its parent sits idle: the coordinator enqueues a
// resume_session run that re-enters the parent with a prompt naming the
// child.
func TestImmediateCallbackResume(t *testing.T) {
	app := NewTestApp(t)
	rnr := app.StartRunner("claude", nil)

	var parent models.Session
	resp := app.do(http.MethodPost, "/api/v1/sessions", "alice", models.CreateSessionRequest{
		Name:      "parent",
		AgentName: "researcher",
	}, &parent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.CreateRunResponse
	resp = app.do(http.MethodPost, "/api/v1/runs", "alice", models.CreateRunRequest{
		Type:             string(models.RunStartSession),
		AgentName:        "researcher",
		Prompt:           "dig into the details",
		SessionName:      "child",
		ParentSessionID:  parent.ID,
		CallbackStrategy: string(models.CallbackImmediate),
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	childRun := rnr.Claim(2 * time.Second)
	require.Equal(t, created.SessionID, childRun.SessionID)
	rnr.FinishRun(childRun, "done")

	resume := rnr.Claim(2 * time.Second)
	assert.Equal(t, models.RunResumeSession, resume.Type)
	assert.Equal(t, parent.ID, resume.SessionID)

	prompt, _ := resume.Parameters["prompt"].(string)
	assert.Contains(t, prompt, `"child"`)
	assert.Contains(t, prompt, "finished")
	assert.Contains(t, prompt, "get_session_result")

	var cbs models.CallbackListResponse
	resp = app.do(http.MethodGet, "/api/v1/callbacks?parent_session_id="+parent.ID, "alice", nil, &cbs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, cbs.Callbacks, 1)
	assert.Equal(t, models.CallbackStatusSent, cbs.Callbacks[0].Status)
}

// TestConcurrentPollSingleWinner parks two runners on long polls and
// enqueues a single run: exactly one poll comes back with it.
func TestConcurrentPollSingleWinner(t *testing.T) {
	app := NewTestApp(t)
	runners := []*TestRunner{
		app.StartRunner("claude", nil),
		app.StartRunner("claude", nil),
	}

	type pollResult struct {
		resp *models.PollResponse
		err  error
	}
	results := make(chan pollResult, len(runners))
	var wg sync.WaitGroup
	for _, rnr := range runners {
		wg.Add(1)
		go func(r *TestRunner) {
			defer wg.Done()
			resp, err := r.Client.PollRuns(context.Background(), r.ID, 3*time.Second)
			results <- pollResult{resp: resp, err: err}
		}(rnr)
	}

	// Let both polls park before the run shows up.
	time.Sleep(100 * time.Millisecond)
	var created models.CreateRunResponse
	resp := app.do(http.MethodPost, "/api/v1/runs", "alice", models.CreateRunRequest{
		Type:      string(models.RunStartSession),
		AgentName: "researcher",
		Prompt:    "Hello",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wg.Wait()
	close(results)

	claimed := 0
	for res := range results {
		require.NoError(t, res.err)
		if res.resp.Run != nil {
			claimed++
			assert.Equal(t, created.RunID, res.resp.Run.ID)
		}
	}
	assert.Equal(t, 1, claimed, "exactly one poller may win the run")
}

// TestSSEResumeAfterDisconnect reconnects with a Last-Event-ID and expects
// the stream to replay only what was missed, without a fresh snapshot.
func TestSSEResumeAfterDisconnect(t *testing.T) {
	app := NewTestApp(t)

	stream := app.openSSE(t, "alice", "", "")
	init := stream.next(t)
	require.Equal(t, events.TypeInitialState, init.Type)

	createSession := func(name string) {
		var session models.Session
		resp := app.do(http.MethodPost, "/api/v1/sessions", "alice", models.CreateSessionRequest{
			Name:      name,
			AgentName: "researcher",
		}, &session)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	createSession("one")
	first := stream.next(t)
	require.Equal(t, events.TypeSessionCreated, first.Type)
	require.NotEmpty(t, first.ID)
	require.NoError(t, stream.resp.Body.Close())

	// Missed while disconnected.
	createSession("two")
	createSession("three")

	resumed := app.openSSE(t, "alice", "", first.ID)
	for _, want := range []string{"two", "three"} {
		msg := resumed.next(t)
		require.Equal(t, events.TypeSessionCreated, msg.Type,
			"resume must skip the snapshot and replay missed frames")
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok, "session_created payload should be the session object")
		assert.Equal(t, want, payload["name"])
	}
}
