// Package runner implements the agent runner: a worker process that
// registers with the coordinator, long-polls for runs, launches executor
// processes, forwards their event streams, and serves the embedded MCP
// gateway executors use to orchestrate child agents.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
)

// ErrNotRegistered is returned when the coordinator no longer knows this
// runner; the supervisor must register again.
var ErrNotRegistered = errors.New("runner not registered")

// apiError is the coordinator's structured error body.
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a thin HTTP wrapper around the coordinator API with bearer auth.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the coordinator at baseURL. Long-poll
// requests manage their own deadlines, so the underlying http.Client has no
// global timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

// BaseURL returns the coordinator address this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// APIKey returns the bearer token, exported into executor environments.
func (c *Client) APIKey() string { return c.apiKey }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Code != "" {
			return fmt.Errorf("%s %s: %w", method, path, &apiErr)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Register announces this runner and its owned agents to the coordinator.
func (c *Client) Register(ctx context.Context, req models.RegisterRunnerRequest) (*models.RegisterRunnerResponse, error) {
	var resp models.RegisterRunnerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runner/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat refreshes the runner's liveness. ErrNotRegistered means the
// coordinator removed this runner and registration must be repeated.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/runner/heartbeat", models.HeartbeatRequest{RunnerID: runnerID}, nil)
	return asNotRegistered(err)
}

// asNotRegistered converts a coordinator not_found answer on a runner
// endpoint into ErrNotRegistered.
func asNotRegistered(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == "not_found" {
		return fmt.Errorf("%w: %s", ErrNotRegistered, apiErr.Message)
	}
	return err
}

// PollRuns long-polls for work. wait is advisory; the coordinator clamps it.
func (c *Client) PollRuns(ctx context.Context, runnerID string, wait time.Duration) (*models.PollResponse, error) {
	q := url.Values{}
	q.Set("runner_id", runnerID)
	q.Set("wait", strconv.Itoa(int(wait.Seconds())))

	var resp models.PollResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/runner/runs?"+q.Encode(), nil, &resp); err != nil {
		return nil, asNotRegistered(err)
	}
	return &resp, nil
}

// ReportStarted moves a claimed run to started.
func (c *Client) ReportStarted(ctx context.Context, runID string, req models.ReportStartedRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/started", req, nil)
}

// ReportCompleted finalizes a run as finished.
func (c *Client) ReportCompleted(ctx context.Context, runID string, req models.ReportCompletedRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/completed", req, nil)
}

// ReportFailed finalizes a run as failed.
func (c *Client) ReportFailed(ctx context.Context, runID string, req models.ReportFailedRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/failed", req, nil)
}

// ReportStopped finalizes a run as stopped.
func (c *Client) ReportStopped(ctx context.Context, runID string, req models.ReportStoppedRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/stopped", req, nil)
}

// AppendEvent forwards one executor event into the session's durable log.
func (c *Client) AppendEvent(ctx context.Context, sessionID string, req models.AppendEventRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/events", req, nil)
}

// CreateRun enqueues a run on behalf of an executor (gateway start_agent).
func (c *Client) CreateRun(ctx context.Context, req models.CreateRunRequest) (*models.CreateRunResponse, error) {
	var resp models.CreateRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionResult fetches the extracted result of a terminal session.
func (c *Client) SessionResult(ctx context.Context, sessionID string) (*models.ResultResponse, error) {
	var resp models.ResultResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/result", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionStatus fetches the coarse status answer for a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error) {
	var resp models.SessionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
