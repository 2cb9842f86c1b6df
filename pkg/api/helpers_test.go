package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/queue"
	"github.com/maestro-ai/maestro/pkg/services"
	"github.com/maestro-ai/maestro/pkg/store"
)

const testAPIKey = "test-api-key"

// testApp boots the full coordinator over the in-memory store behind an
// httptest listener.
type testApp struct {
	server  *Server
	httpSrv *httptest.Server
	store   store.Store
	bc      *events.Broadcaster

	t *testing.T
}

func testBlueprints() map[string]*models.AgentBlueprint {
	return map[string]*models.AgentBlueprint{
		"researcher": {
			Name:         "researcher",
			Type:         models.AgentAutonomous,
			SystemPrompt: "You research things.",
		},
		"web-crawler": {
			Name:    "web-crawler",
			Type:    models.AgentProcedural,
			Command: []string{"crawl", "--url", "${params.url}"},
			ParametersSchema: models.JSONMap{
				"type":     "object",
				"required": []any{"url"},
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
			},
			ExecutorType: "cli",
		},
	}
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	st := store.NewMemory()
	broadcaster := events.NewBroadcaster()
	t.Cleanup(broadcaster.Shutdown)
	registry := agents.NewRegistry(testBlueprints(), st)
	dispatcher := queue.NewDispatcher(st, 30*time.Second)
	t.Cleanup(dispatcher.Shutdown)

	eventsSvc := services.NewEventService(st, broadcaster)
	sessions := services.NewSessionService(st, broadcaster)
	callbacks := services.NewCallbackService(st, services.CallbackServiceConfig{})
	t.Cleanup(callbacks.Shutdown)
	runs := services.NewRunService(st, registry, broadcaster, services.RunServiceConfig{
		SyncTimeout:         5 * time.Second,
		DefaultExecutorType: "claude",
	})
	runners := services.NewRunnerService(st, registry, broadcaster, services.RunnerServiceConfig{
		HeartbeatInterval: 60 * time.Second,
		StaleAfter:        2 * time.Minute,
		RemoveAfter:       10 * time.Minute,
		SweepInterval:     10 * time.Second,
	})

	eventsSvc.SetTerminalHook(callbacks)
	sessions.SetCallbacks(callbacks)
	sessions.SetEventService(eventsSvc)
	sessions.SetRegistry(registry)
	callbacks.SetRunService(runs)
	runs.SetSessionService(sessions)
	runs.SetEventService(eventsSvc)
	runs.SetCallbacks(callbacks)
	runs.SetWake(dispatcher.Wake)
	runners.SetEventService(eventsSvc)

	server := NewServer(Config{
		AuthEnabled: true,
		APIKey:      testAPIKey,
		AdminUsers:  []string{"admin"},
	}, Dependencies{
		Store:       st,
		Registry:    registry,
		Broadcaster: broadcaster,
		Dispatcher:  dispatcher,
		Sessions:    sessions,
		Events:      eventsSvc,
		Runs:        runs,
		Runners:     runners,
		Callbacks:   callbacks,
	})

	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &testApp{
		server:  server,
		httpSrv: httpSrv,
		store:   st,
		bc:      broadcaster,
		t:       t,
	}
}

// do issues an authenticated request as the given user and decodes the JSON
// response into out (when non-nil).
func (a *testApp) do(method, path, user string, body, out any) *http.Response {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, a.httpSrv.URL+path, reader)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Orchestrator-User", user)
	}

	resp, err := a.httpSrv.Client().Do(req)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// createSession creates a session as user through the API.
func (a *testApp) createSession(name, agent, user string) *models.Session {
	a.t.Helper()
	var session models.Session
	resp := a.do(http.MethodPost, "/api/v1/sessions", user, models.CreateSessionRequest{
		Name:      name,
		AgentName: agent,
	}, &session)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
	return &session
}

// registerRunner registers a runner through the API.
func (a *testApp) registerRunner(executorType string) *models.RegisterRunnerResponse {
	a.t.Helper()
	var resp models.RegisterRunnerResponse
	r := a.do(http.MethodPost, "/api/v1/runner/register", "", models.RegisterRunnerRequest{
		Hostname:     "test-host",
		ExecutorType: executorType,
	}, &resp)
	require.Equal(a.t, http.StatusCreated, r.StatusCode)
	return &resp
}

// appendEvent appends one event through the API.
func (a *testApp) appendEvent(sessionID, eventType string, payload models.JSONMap) {
	a.t.Helper()
	resp := a.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/events", "", models.AppendEventRequest{
		EventType: eventType,
		Payload:   payload,
	}, nil)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
}
