package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/models"
)

// sessionHeaderTransport stamps the calling session's identity on every
// gateway request, the way an executor's MCP client is configured.
type sessionHeaderTransport struct {
	sessionID string
}

func (t *sessionHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.sessionID != "" {
		req.Header.Set("X-Agent-Session-ID", t.sessionID)
	}
	return http.DefaultTransport.RoundTrip(req)
}

func connectGateway(t *testing.T, g *Gateway, sessionID string) *mcpsdk.ClientSession {
	t.Helper()

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:   g.URL() + "/mcp",
		HTTPClient: &http.Client{Transport: &sessionHeaderTransport{sessionID: sessionID}},
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "gateway-test", Version: "test"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	session, err := client.Connect(ctx, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func startGateway(t *testing.T, f *fakeCoordinator) *Gateway {
	t.Helper()
	g := NewGateway(f.client())
	require.NoError(t, g.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func toolText(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestGatewayTools(t *testing.T) {
	f := newFakeCoordinator(t)
	g := startGateway(t, f)
	session := connectGateway(t, g, "ses_parent")

	ctx := context.Background()

	t.Run("lists both tools", func(t *testing.T) {
		result, err := session.ListTools(ctx, nil)
		require.NoError(t, err)
		names := make([]string, 0, len(result.Tools))
		schemas := make(map[string]*jsonschema.Schema, len(result.Tools))
		for _, tool := range result.Tools {
			names = append(names, tool.Name)
			schemas[tool.Name] = tool.InputSchema
		}
		assert.ElementsMatch(t, []string{"start_agent", "get_session_result"}, names)

		start := schemas["start_agent"]
		require.NotNil(t, start)
		assert.Equal(t, "object", start.Type)
		assert.ElementsMatch(t, []string{"agent_name", "session_name"}, start.Required)
		assert.Contains(t, start.Properties, "callback_strategy")

		fetch := schemas["get_session_result"]
		require.NotNil(t, fetch)
		assert.Equal(t, []string{"session_id"}, fetch.Required)
	})

	t.Run("start_agent forwards parent identity", func(t *testing.T) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name: "start_agent",
			Arguments: map[string]any{
				"agent_name":   "researcher",
				"session_name": "child-dig",
				"prompt":       "dig deeper",
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError)

		var ack map[string]any
		require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &ack))
		assert.Equal(t, "run_child", ack["run_id"])
		assert.Equal(t, "ses_child", ack["session_id"])

		state := f.snapshot()
		require.Len(t, state.runsMade, 1)
		made := state.runsMade[0]
		assert.Equal(t, "ses_parent", made.ParentSessionID)
		assert.Equal(t, "researcher", made.AgentName)
		assert.Equal(t, string(models.CallbackImmediate), made.CallbackStrategy)
	})

	t.Run("get_session_result relays the outcome", func(t *testing.T) {
		f.mu.Lock()
		f.result = &models.ResultResponse{
			SessionID:  "ses_child",
			ResultType: "autonomous",
			ResultText: "findings attached",
		}
		f.mu.Unlock()

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      "get_session_result",
			Arguments: map[string]any{"session_id": "ses_child"},
		})
		require.NoError(t, err)
		require.False(t, result.IsError)
		assert.Contains(t, toolText(t, result), "findings attached")
	})

	t.Run("get_session_result while child still runs", func(t *testing.T) {
		f.mu.Lock()
		f.result = nil
		f.mu.Unlock()

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      "get_session_result",
			Arguments: map[string]any{"session_id": "ses_child"},
		})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, toolText(t, result), "result_not_ready")
	})
}

func TestGatewayRequiresSessionIdentity(t *testing.T) {
	f := newFakeCoordinator(t)
	g := startGateway(t, f)
	session := connectGateway(t, g, "")

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name: "start_agent",
		Arguments: map[string]any{
			"agent_name":   "researcher",
			"session_name": "orphan",
		},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "X-Agent-Session-ID")
	assert.Empty(t, f.snapshot().runsMade)
}
