package e2e

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/events"
)

// sseStream is a live /sse/sessions subscription.
type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

// openSSE subscribes to the session stream as the given user. lastEventID
// resumes from a previous position when non-empty.
func (a *TestApp) openSSE(t *testing.T, user, query, lastEventID string) *sseStream {
	t.Helper()

	url := a.BaseURL + "/sse/sessions"
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("X-Orchestrator-User", user)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	t.Cleanup(func() { _ = resp.Body.Close() })
	return &sseStream{resp: resp, scanner: bufio.NewScanner(resp.Body)}
}

// next reads the next message frame, skipping comments and heartbeats.
func (s *sseStream) next(t *testing.T) *events.Message {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	var id, event, data string
	for s.scanner.Scan() {
		require.True(t, time.Now().Before(deadline), "timed out waiting for an SSE frame")

		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var msg events.Message
			require.NoError(t, json.Unmarshal([]byte(data), &msg))
			require.Equal(t, msg.Type, event)
			msg.ID = id
			return &msg
		}
	}
	t.Fatalf("SSE stream ended: %v", s.scanner.Err())
	return nil
}
