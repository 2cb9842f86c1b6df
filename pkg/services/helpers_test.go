package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// testEnv wires the full service graph over the in-memory store, the same
// way main does it.
type testEnv struct {
	store       store.Store
	broadcaster *events.Broadcaster
	registry    *agents.Registry

	sessions  *SessionService
	events    *EventService
	runners   *RunnerService
	runs      *RunService
	callbacks *CallbackService
}

func fileAgents() map[string]*models.AgentBlueprint {
	return map[string]*models.AgentBlueprint{
		"researcher": {
			Name:         "researcher",
			Type:         models.AgentAutonomous,
			SystemPrompt: "You research things for session ${runtime.session_id}.",
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
			MCPServers: models.JSONMap{
				"orchestrator": map[string]any{
					"url": "${runner.orchestrator_mcp_url}/mcp",
				},
			},
			ExecutorType: "cli",
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemory()
	broadcaster := events.NewBroadcaster()
	t.Cleanup(broadcaster.Shutdown)

	registry := agents.NewRegistry(fileAgents(), st)

	eventsSvc := NewEventService(st, broadcaster)
	sessions := NewSessionService(st, broadcaster)
	callbacks := NewCallbackService(st, CallbackServiceConfig{})
	t.Cleanup(callbacks.Shutdown)
	runs := NewRunService(st, registry, broadcaster, RunServiceConfig{
		SyncTimeout:         5 * time.Second,
		DefaultExecutorType: "claude",
	})
	runners := NewRunnerService(st, registry, broadcaster, RunnerServiceConfig{
		HeartbeatInterval: 60 * time.Second,
		StaleAfter:        120 * time.Second,
		RemoveAfter:       600 * time.Second,
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
	runners.SetEventService(eventsSvc)

	return &testEnv{
		store:       st,
		broadcaster: broadcaster,
		registry:    registry,
		sessions:    sessions,
		events:      eventsSvc,
		runners:     runners,
		runs:        runs,
		callbacks:   callbacks,
	}
}

// createSession is a shortcut for tests that need a session in place.
func (e *testEnv) createSession(t *testing.T, name, agent, createdBy string) *models.Session {
	t.Helper()
	session, err := e.sessions.Create(context.Background(), models.CreateSessionRequest{
		Name:      name,
		AgentName: agent,
		CreatedBy: createdBy,
	})
	require.NoError(t, err)
	return session
}

// finishSession appends a result event, driving the session to finished.
func (e *testEnv) finishSession(t *testing.T, sessionID, text string) {
	t.Helper()
	_, err := e.events.Append(context.Background(), sessionID, models.AppendEventRequest{
		EventType: string(models.EventResult),
		Payload:   models.JSONMap{"result_text": text},
	})
	require.NoError(t, err)
}

// claimNext claims the oldest matching pending run directly on the store.
func (e *testEnv) claimNext(t *testing.T, runnerID, executorType string) *models.Run {
	t.Helper()
	run, err := e.store.ClaimNextRun(context.Background(), runnerID, store.RunFilter{ExecutorType: executorType})
	require.NoError(t, err)
	require.NotNil(t, run, "expected a pending run to claim")
	return run
}
