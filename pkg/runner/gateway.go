package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/version"
)

// sessionIDHeader carries the calling executor's session identity into the
// gateway, so child runs are attributed to the right parent without the
// executor ever holding another session's credentials.
const sessionIDHeader = "X-Agent-Session-ID"

// Gateway is the runner-local MCP facade executors orchestrate through. It
// listens on a dynamic localhost port and exposes two tools: start_agent
// (enqueue a child run with callback registration) and get_session_result
// (fetch a terminal child's outcome).
type Gateway struct {
	client *Client

	listener net.Listener
	server   *http.Server
}

// NewGateway creates the gateway. Start binds the port.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client}
}

// Start binds a dynamic localhost port and serves the MCP endpoint on /mcp.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind gateway port: %w", err)
	}
	g.listener = ln

	handler := mcpsdk.NewStreamableHTTPHandler(func(req *http.Request) *mcpsdk.Server {
		return g.serverFor(req.Header.Get(sessionIDHeader))
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)

	g.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway server failed", "error", err)
		}
	}()

	slog.Info("MCP gateway listening", "url", g.URL())
	return nil
}

// URL returns the gateway base address, e.g. http://127.0.0.1:43215. The
// /mcp path is appended by blueprint placeholders.
func (g *Gateway) URL() string {
	if g.listener == nil {
		return ""
	}
	return "http://" + g.listener.Addr().String()
}

// Shutdown stops the listener and drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// serverFor builds a per-request MCP server bound to the calling session.
// Requests without the session header get a server whose tools refuse to
// act, rather than a transport error, so clients see a usable message.
func (g *Gateway) serverFor(sessionID string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "maestro-runner",
		Version: version.GitCommit,
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name: "start_agent",
		Description: "Start a child agent session. The child runs asynchronously; " +
			"when it finishes, this session is resumed with its result according " +
			"to the callback strategy.",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"agent_name", "session_name"},
			Properties: map[string]*jsonschema.Schema{
				"agent_name":          {Type: "string", Description: "registered agent blueprint to run"},
				"session_name":        {Type: "string", Description: "name for the child session"},
				"prompt":              {Type: "string", Description: "task prompt for autonomous agents"},
				"parameters":          {Type: "object", Description: "parameters for procedural agents"},
				"callback_strategy":   {Type: "string", Enum: []any{"immediate", "batch", "all"}, Description: "when to resume this session (default immediate)"},
				"batch_delay_seconds": {Type: "integer", Description: "aggregation window for the batch strategy"},
			},
		},
	}, g.startAgentTool(sessionID))

	server.AddTool(&mcpsdk.Tool{
		Name: "get_session_result",
		Description: "Fetch the result of a finished child session. Fails while " +
			"the session is still running.",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"session_id"},
			Properties: map[string]*jsonschema.Schema{
				"session_id": {Type: "string", Description: "the child session id"},
			},
		},
	}, g.getSessionResultTool())

	return server
}

// startAgentArgs is the parsed input of the start_agent tool.
type startAgentArgs struct {
	AgentName         string         `json:"agent_name"`
	SessionName       string         `json:"session_name"`
	Prompt            string         `json:"prompt"`
	Parameters        models.JSONMap `json:"parameters"`
	CallbackStrategy  string         `json:"callback_strategy"`
	BatchDelaySeconds int            `json:"batch_delay_seconds"`
}

func (g *Gateway) startAgentTool(sessionID string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		if sessionID == "" {
			return toolError("missing " + sessionIDHeader + " header; tool calls must carry the session identity"), nil
		}

		var args startAgentArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return toolError("invalid arguments: " + err.Error()), nil
		}
		if args.CallbackStrategy == "" {
			args.CallbackStrategy = string(models.CallbackImmediate)
		}

		resp, err := g.client.CreateRun(ctx, models.CreateRunRequest{
			Type:              string(models.RunStartSession),
			SessionName:       args.SessionName,
			AgentName:         args.AgentName,
			Prompt:            args.Prompt,
			Parameters:        args.Parameters,
			ParentSessionID:   sessionID,
			CallbackStrategy:  args.CallbackStrategy,
			BatchDelaySeconds: args.BatchDelaySeconds,
		})
		if err != nil {
			return toolError("failed to start agent: " + err.Error()), nil
		}

		slog.Info("Gateway started child agent",
			"parent_session_id", sessionID,
			"child_session_id", resp.SessionID,
			"agent", args.AgentName)
		return toolJSON(map[string]any{
			"run_id":     resp.RunID,
			"session_id": resp.SessionID,
			"status":     "started",
		})
	}
}

func (g *Gateway) getSessionResultTool() mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return toolError("invalid arguments: " + err.Error()), nil
		}
		if args.SessionID == "" {
			return toolError("session_id is required"), nil
		}

		result, err := g.client.SessionResult(ctx, args.SessionID)
		if err != nil {
			return toolError("failed to fetch result: " + err.Error()), nil
		}
		return toolJSON(result)
	}
}

func toolError(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}
