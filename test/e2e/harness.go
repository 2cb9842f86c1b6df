// Package e2e boots a complete in-process coordinator and drives it through
// the public HTTP surface, with test runners speaking the real runner
// protocol. No Docker required: the harness runs on the in-memory store.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/api"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/masking"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/queue"
	"github.com/maestro-ai/maestro/pkg/runner"
	"github.com/maestro-ai/maestro/pkg/services"
	"github.com/maestro-ai/maestro/pkg/store"
)

const testAPIKey = "e2e-api-key"

// TestApp is a complete coordinator wired over the in-memory store.
type TestApp struct {
	Store       *store.Memory
	Registry    *agents.Registry
	Broadcaster *events.Broadcaster
	Dispatcher  *queue.Dispatcher

	Sessions  *services.SessionService
	Events    *services.EventService
	Runs      *services.RunService
	Runners   *services.RunnerService
	Callbacks *services.CallbackService

	Server  *api.Server
	BaseURL string

	t *testing.T
}

type testAppConfig struct {
	blueprints  map[string]*models.AgentBlueprint
	runnerCfg   services.RunnerServiceConfig
	runCfg      services.RunServiceConfig
	callbackCfg services.CallbackServiceConfig
	maxPollWait time.Duration
	adminUsers  []string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithBlueprints replaces the default file-backed blueprint set.
func WithBlueprints(bps map[string]*models.AgentBlueprint) TestAppOption {
	return func(c *testAppConfig) { c.blueprints = bps }
}

// WithRunnerTimings tightens the staleness windows for runner-loss tests.
func WithRunnerTimings(stale, remove, sweep time.Duration) TestAppOption {
	return func(c *testAppConfig) {
		c.runnerCfg.StaleAfter = stale
		c.runnerCfg.RemoveAfter = remove
		c.runnerCfg.SweepInterval = sweep
	}
}

// WithSyncTimeout bounds sync-mode run creation.
func WithSyncTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.runCfg.SyncTimeout = d }
}

// WithCallbackConfig overrides callback scheduling knobs.
func WithCallbackConfig(cfg services.CallbackServiceConfig) TestAppOption {
	return func(c *testAppConfig) { c.callbackCfg = cfg }
}

// NewTestApp wires and starts a coordinator. Shutdown happens via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &testAppConfig{
		blueprints: defaultBlueprints(),
		runnerCfg: services.RunnerServiceConfig{
			HeartbeatInterval: 60 * time.Second,
			StaleAfter:        90 * time.Second,
			RemoveAfter:       10 * time.Minute,
			SweepInterval:     time.Hour, // sweeping off unless a test asks
		},
		runCfg: services.RunServiceConfig{
			SyncTimeout:         5 * time.Second,
			DefaultExecutorType: "claude",
		},
		maxPollWait: 5 * time.Second,
		adminUsers:  []string{"admin"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	st := store.NewMemory()
	broadcaster := events.NewBroadcaster()
	registry := agents.NewRegistry(cfg.blueprints, st)
	dispatcher := queue.NewDispatcher(st, cfg.maxPollWait)

	eventsSvc := services.NewEventService(st, broadcaster)
	sessions := services.NewSessionService(st, broadcaster)
	callbacks := services.NewCallbackService(st, cfg.callbackCfg)
	runs := services.NewRunService(st, registry, broadcaster, cfg.runCfg)
	runners := services.NewRunnerService(st, registry, broadcaster, cfg.runnerCfg)

	eventsSvc.SetTerminalHook(callbacks)
	eventsSvc.SetMasker(masking.NewMasker())
	sessions.SetCallbacks(callbacks)
	sessions.SetEventService(eventsSvc)
	sessions.SetRegistry(registry)
	callbacks.SetRunService(runs)
	runs.SetSessionService(sessions)
	runs.SetEventService(eventsSvc)
	runs.SetCallbacks(callbacks)
	runs.SetWake(dispatcher.Wake)
	runners.SetEventService(eventsSvc)

	runners.Start()
	require.NoError(t, callbacks.Reload(context.Background()))

	server := api.NewServer(api.Config{
		AuthEnabled: true,
		APIKey:      testAPIKey,
		AdminUsers:  cfg.adminUsers,
	}, api.Dependencies{
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

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		dispatcher.Shutdown()
		runners.Stop()
		callbacks.Shutdown()
		broadcaster.Shutdown()
	})

	return &TestApp{
		Store:       st,
		Registry:    registry,
		Broadcaster: broadcaster,
		Dispatcher:  dispatcher,
		Sessions:    sessions,
		Events:      eventsSvc,
		Runs:        runs,
		Runners:     runners,
		Callbacks:   callbacks,
		Server:      server,
		BaseURL:     srv.URL,
		t:           t,
	}
}

func defaultBlueprints() map[string]*models.AgentBlueprint {
	return map[string]*models.AgentBlueprint{
		"researcher": {
			Name:         "researcher",
			Type:         models.AgentAutonomous,
			SystemPrompt: "You research things.",
			ExecutorType: "claude",
		},
		"web-crawler": {
			Name:         "web-crawler",
			Type:         models.AgentProcedural,
			Command:      []string{"crawl", "${params.url}"},
			ExecutorType: "cli",
			ParametersSchema: models.JSONMap{
				"type":     "object",
				"required": []any{"url"},
				"properties": models.JSONMap{
					"url": models.JSONMap{"type": "string", "format": "uri"},
				},
			},
		},
	}
}

// do performs an authenticated request as the given user and decodes the
// JSON response into out (when non-nil).
func (a *TestApp) do(method, path, user string, body, out any) *http.Response {
	a.t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.BaseURL+path, reqBody)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Orchestrator-User", user)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if out != nil && len(data) > 0 {
		require.NoError(a.t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp
}

// TestRunner speaks the runner protocol against the harness coordinator.
type TestRunner struct {
	ID     string
	Client *runner.Client

	t *testing.T
}

// StartRunner registers a runner and returns a protocol handle for it.
func (a *TestApp) StartRunner(executorType string, tags []string, agents ...*models.AgentBlueprint) *TestRunner {
	a.t.Helper()

	client := runner.NewClient(a.BaseURL, testAPIKey)
	resp, err := client.Register(context.Background(), models.RegisterRunnerRequest{
		Hostname:     "e2e-host",
		ExecutorType: executorType,
		Tags:         tags,
		Agents:       agents,
	})
	require.NoError(a.t, err)

	return &TestRunner{ID: resp.RunnerID, Client: client, t: a.t}
}

// Poll long-polls once and returns the answer.
func (r *TestRunner) Poll(wait time.Duration) *models.PollResponse {
	r.t.Helper()
	resp, err := r.Client.PollRuns(context.Background(), r.ID, wait)
	require.NoError(r.t, err)
	return resp
}

// Claim polls expecting a run to be handed out.
func (r *TestRunner) Claim(wait time.Duration) *models.Run {
	r.t.Helper()
	resp := r.Poll(wait)
	require.NotNil(r.t, resp.Run, "expected a run from the poll")
	return resp.Run
}

// Emit appends one executor event to the run's session.
func (r *TestRunner) Emit(sessionID, eventType string, payload models.JSONMap) {
	r.t.Helper()
	err := r.Client.AppendEvent(context.Background(), sessionID, models.AppendEventRequest{
		EventType: eventType,
		Payload:   payload,
	})
	require.NoError(r.t, err)
}

// FinishRun plays a minimal successful execution: started, session_start,
// a result event, completed.
func (r *TestRunner) FinishRun(run *models.Run, resultText string) {
	r.t.Helper()
	ctx := context.Background()

	require.NoError(r.t, r.Client.ReportStarted(ctx, run.ID, models.ReportStartedRequest{RunnerID: r.ID}))
	r.Emit(run.SessionID, string(models.EventSessionStart), models.JSONMap{})
	r.Emit(run.SessionID, string(models.EventResult), models.JSONMap{"result_text": resultText})
	require.NoError(r.t, r.Client.ReportCompleted(ctx, run.ID, models.ReportCompletedRequest{RunnerID: r.ID}))
}
