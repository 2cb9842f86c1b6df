package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/models"
)

func TestAgentEndpoints(t *testing.T) {
	app := newTestApp(t)

	t.Run("list all", func(t *testing.T) {
		var list models.AgentListResponse
		resp := app.do(http.MethodGet, "/api/v1/agents", "alice", nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, list.Agents, 2)
	})

	t.Run("tags filter", func(t *testing.T) {
		var list models.AgentListResponse
		resp := app.do(http.MethodGet, "/api/v1/agents?tags=gpu", "alice", nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, list.Agents)
	})

	t.Run("get by name", func(t *testing.T) {
		var bp models.AgentBlueprint
		resp := app.do(http.MethodGet, "/api/v1/agents/researcher", "alice", nil, &bp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "researcher", bp.Name)
		assert.Equal(t, models.AgentAutonomous, bp.Type)
	})

	t.Run("unknown agent is 404", func(t *testing.T) {
		var body ErrorResponse
		resp := app.do(http.MethodGet, "/api/v1/agents/phantom", "alice", nil, &body)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", body.Error)
	})
}

func TestRunnerListEndpoint(t *testing.T) {
	app := newTestApp(t)

	var list models.RunnerListResponse
	resp := app.do(http.MethodGet, "/api/v1/runners", "admin", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list.Runners)

	runner := app.registerRunner("cli")

	resp = app.do(http.MethodGet, "/api/v1/runners", "admin", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Runners, 1)
	assert.Equal(t, runner.RunnerID, list.Runners[0].ID)
	assert.Equal(t, "test-host", list.Runners[0].Hostname)
}

func TestCallbackEndpoints(t *testing.T) {
	app := newTestApp(t)
	parent := app.createSession("orchestrating-parent", "researcher", "alice")

	var created models.CreateRunResponse
	resp := app.do(http.MethodPost, "/api/v1/runs", "alice", models.CreateRunRequest{
		Type:             string(models.RunStartSession),
		SessionName:      "child-task",
		AgentName:        "researcher",
		Prompt:           "dig deeper",
		ParentSessionID:  parent.ID,
		CallbackStrategy: string(models.CallbackImmediate),
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var cbID string
	t.Run("list by parent", func(t *testing.T) {
		var list models.CallbackListResponse
		resp := app.do(http.MethodGet, "/api/v1/callbacks?parent_session_id="+parent.ID, "alice", nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, list.Callbacks, 1)
		cb := list.Callbacks[0]
		assert.Equal(t, parent.ID, cb.ParentSessionID)
		require.NotNil(t, cb.ChildSessionID)
		assert.Equal(t, created.SessionID, *cb.ChildSessionID)
		assert.Equal(t, models.CallbackStatusChildRunning, cb.Status)
		cbID = cb.ID
	})

	t.Run("cancel", func(t *testing.T) {
		resp := app.do(http.MethodPost, "/api/v1/callbacks/"+cbID+"/cancel", "alice", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var list models.CallbackListResponse
		app.do(http.MethodGet, "/api/v1/callbacks?parent_session_id="+parent.ID, "alice", nil, &list)
		require.Len(t, list.Callbacks, 1)
		assert.Equal(t, models.CallbackStatusCancelled, list.Callbacks[0].Status)
	})
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.registerRunner("claude")

	var health HealthResponse
	resp := app.do(http.MethodGet, "/health", "", nil, &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Nil(t, health.Database)
	assert.Equal(t, 1, health.Runners)
}
