package runner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/models"
)

// fakeCoordinator records the runner-protocol traffic a component under test
// produces, answering with canned responses.
type fakeCoordinator struct {
	srv *httptest.Server

	mu         sync.Mutex
	registered []models.RegisterRunnerRequest
	heartbeats int
	events     []models.AppendEventRequest
	started    []models.ReportStartedRequest
	completed  []models.ReportCompletedRequest
	failed     []models.ReportFailedRequest
	stopped    []models.ReportStoppedRequest
	runsMade   []models.CreateRunRequest

	// polls feeds poll answers in order; once drained, polls return empty.
	polls []*models.PollResponse

	// heartbeatStatus lets tests simulate removal (404 → re-register).
	heartbeatStatus int

	// result is returned by GET /sessions/{id}/result.
	result *models.ResultResponse
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	f := &fakeCoordinator{heartbeatStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runner/register", func(w http.ResponseWriter, r *http.Request) {
		var req models.RegisterRunnerRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.registered = append(f.registered, req)
		n := len(f.registered)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, models.RegisterRunnerResponse{
			RunnerID:          fmt.Sprintf("rnr_test_%d", n),
			HeartbeatInterval: 60,
		})
	})
	mux.HandleFunc("POST /api/v1/runner/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.heartbeats++
		status := f.heartbeatStatus
		f.mu.Unlock()
		if status != http.StatusOK {
			writeJSON(w, status, map[string]string{"error": "not_found", "message": "runner removed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/v1/runner/runs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.heartbeatStatus
		var resp *models.PollResponse
		if len(f.polls) > 0 {
			resp = f.polls[0]
			f.polls = f.polls[1:]
		} else {
			resp = &models.PollResponse{StopRuns: []string{}}
		}
		f.mu.Unlock()
		if status != http.StatusOK {
			writeJSON(w, status, map[string]string{"error": "not_found", "message": "runner removed"})
			return
		}
		if resp.Run == nil && len(resp.StopRuns) == 0 {
			// Emulate a short long-poll so supervisor tests don't spin.
			time.Sleep(50 * time.Millisecond)
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("POST /api/v1/runner/runs/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/runner/runs/"), "/")
		require.Len(t, parts, 2)
		f.mu.Lock()
		defer f.mu.Unlock()
		switch parts[1] {
		case "started":
			var req models.ReportStartedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.started = append(f.started, req)
		case "completed":
			var req models.ReportCompletedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.completed = append(f.completed, req)
		case "failed":
			var req models.ReportFailedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.failed = append(f.failed, req)
		case "stopped":
			var req models.ReportStoppedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.stopped = append(f.stopped, req)
		default:
			t.Errorf("unexpected report %q", parts[1])
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		var req models.AppendEventRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.events = append(f.events, req)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, models.AppendEventResponse{Sequence: 1})
	})
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateRunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.runsMade = append(f.runsMade, req)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, models.CreateRunResponse{
			RunID:     "run_child",
			SessionID: "ses_child",
		})
	})
	mux.HandleFunc("GET /api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		result := f.result
		f.mu.Unlock()
		if result == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "result_not_ready",
				"message": "session has not reached a terminal state",
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) client() *Client {
	return NewClient(f.srv.URL, "test-key")
}

func (f *fakeCoordinator) enqueuePoll(resp *models.PollResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, resp)
}

// coordinatorState is a race-free copy of everything the fake recorded.
type coordinatorState struct {
	registered []models.RegisterRunnerRequest
	heartbeats int
	events     []models.AppendEventRequest
	started    []models.ReportStartedRequest
	completed  []models.ReportCompletedRequest
	failed     []models.ReportFailedRequest
	stopped    []models.ReportStoppedRequest
	runsMade   []models.CreateRunRequest
}

func (f *fakeCoordinator) snapshot() coordinatorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return coordinatorState{
		registered: append([]models.RegisterRunnerRequest(nil), f.registered...),
		heartbeats: f.heartbeats,
		events:     append([]models.AppendEventRequest(nil), f.events...),
		started:    append([]models.ReportStartedRequest(nil), f.started...),
		completed:  append([]models.ReportCompletedRequest(nil), f.completed...),
		failed:     append([]models.ReportFailedRequest(nil), f.failed...),
		stopped:    append([]models.ReportStoppedRequest(nil), f.stopped...),
		runsMade:   append([]models.CreateRunRequest(nil), f.runsMade...),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// shellRun builds a run whose blueprint command is a shell snippet.
func shellRun(runID, sessionID, script string) *models.Run {
	return &models.Run{
		ID:           runID,
		Type:         models.RunStartSession,
		SessionID:    sessionID,
		SessionName:  "shell-test",
		AgentName:    "shell-agent",
		ExecutorType: "cli",
		Status:       models.RunStatusClaimed,
		Blueprint: models.JSONMap{
			"name":    "shell-agent",
			"type":    "procedural",
			"command": []any{"/bin/sh", "-c", script},
		},
	}
}
