package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/params"
)

const (
	// stopGrace is how long an executor gets between SIGTERM and SIGKILL.
	stopGrace = 10 * time.Second
	// startedReportDelay bounds how long the started report waits for the
	// executor's first event before going out without an executor session id.
	startedReportDelay = 5 * time.Second
	// stderrTailLines is how many trailing stderr lines a failure report keeps.
	stderrTailLines = 20
	// eventPostTimeout bounds each event forward to the coordinator.
	eventPostTimeout = 10 * time.Second
)

// Launcher spawns executor processes for claimed runs and shepherds them to
// a final status report.
//
// Executor contract: the resolved run payload arrives as one JSON document
// on stdin; every line the executor writes to stdout is a session event in
// AppendEventRequest shape and is forwarded to the coordinator's event log.
// Identity and endpoints arrive in the environment (AGENT_SESSION_ID,
// AGENT_ORCHESTRATOR_API_URL, AGENT_ORCHESTRATOR_API_KEY,
// AGENT_ORCHESTRATOR_MCP_URL, and EXECUTOR_SESSION_ID on resumes).
type Launcher struct {
	client   *Client
	runnerID string
	mcpURL   string

	// executorCommands maps an executor type to the command that hosts
	// autonomous agents of that type. Procedural blueprints carry their own
	// command and ignore this table.
	executorCommands map[string][]string
}

// NewLauncher creates a launcher for one registered runner.
func NewLauncher(client *Client, runnerID, mcpURL string, executorCommands map[string][]string) *Launcher {
	return &Launcher{
		client:           client,
		runnerID:         runnerID,
		mcpURL:           mcpURL,
		executorCommands: executorCommands,
	}
}

// Execute runs one claimed run to completion: stage-2 placeholder
// resolution, process spawn, event forwarding, and exactly one final status
// report. Closing stop triggers the SIGTERM → grace → SIGKILL path and a
// stopped report. Blocks until the process is gone and the report is sent.
func (l *Launcher) Execute(ctx context.Context, run *models.Run, stop <-chan struct{}) error {
	resolved, err := l.resolve(run)
	if err != nil {
		return l.reportFailed(run.ID, fmt.Sprintf("placeholder resolution failed: %v", err))
	}

	argv, err := l.command(resolved)
	if err != nil {
		return l.reportFailed(run.ID, err.Error())
	}

	payload, err := json.Marshal(resolved)
	if err != nil {
		return l.reportFailed(run.ID, fmt.Sprintf("failed to encode run payload: %v", err))
	}

	// exec.Command rather than CommandContext: shutdown is handled through
	// the stop channel so the executor gets its termination grace.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = l.environment(resolved)
	if resolved.ProjectDir != "" {
		cmd.Dir = resolved.ProjectDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return l.reportFailed(run.ID, fmt.Sprintf("failed to create stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return l.reportFailed(run.ID, fmt.Sprintf("failed to create stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return l.reportFailed(run.ID, fmt.Sprintf("failed to create stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return l.reportFailed(run.ID, fmt.Sprintf("failed to start executor: %v", err))
	}
	slog.Info("Executor started",
		"run_id", run.ID,
		"session_id", run.SessionID,
		"agent", run.AgentName,
		"pid", cmd.Process.Pid)

	go func() {
		_, _ = stdin.Write(append(payload, '\n'))
		_ = stdin.Close()
	}()

	state := &runState{run: run, launcher: l}
	state.startedTimer = time.AfterFunc(startedReportDelay, func() { state.reportStarted("") })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		state.forwardEvents(stdout)
	}()
	go func() {
		defer wg.Done()
		state.collectStderr(stderr)
	}()

	exited := make(chan error, 1)
	go func() {
		wg.Wait()
		exited <- cmd.Wait()
	}()

	stopped := false
	var waitErr error
	select {
	case waitErr = <-exited:
	case <-stop:
		stopped = true
		l.terminate(cmd, exited)
		waitErr = nil
	case <-ctx.Done():
		stopped = true
		l.terminate(cmd, exited)
		waitErr = nil
	}
	state.startedTimer.Stop()

	if stopped {
		ctx, cancel := reportCtx()
		defer cancel()
		return l.client.ReportStopped(ctx, run.ID, models.ReportStoppedRequest{
			RunnerID: l.runnerID,
			Reason:   "stop requested",
		})
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return l.reportFailed(run.ID, fmt.Sprintf("executor wait failed: %v", waitErr))
		}
	}

	// A non-zero exit after a terminal event is still a completed run; the
	// coordinator derives the session outcome from the event stream.
	if !state.terminalSeen() {
		msg := fmt.Sprintf("executor exited with code %d without a terminal event", exitCode)
		if tail := state.stderrTail(); tail != "" {
			msg += "\nstderr:\n" + tail
		}
		return l.reportFailed(run.ID, msg)
	}

	ctx, cancel := reportCtx()
	defer cancel()
	return l.client.ReportCompleted(ctx, run.ID, models.ReportCompletedRequest{
		RunnerID: l.runnerID,
	})
}

// resolve applies stage-2 placeholder resolution to the run's blueprint and
// parameters, filling in the values only this runner knows.
func (l *Launcher) resolve(run *models.Run) (*models.Run, error) {
	runnerVars := map[string]string{
		"orchestrator_mcp_url": l.mcpURL,
		"project_dir":          run.ProjectDir,
	}

	out := *run
	if len(run.Blueprint) > 0 {
		resolved, err := params.ResolveStage2(map[string]any(run.Blueprint), runnerVars)
		if err != nil {
			return nil, fmt.Errorf("blueprint: %w", err)
		}
		out.Blueprint = resolved.(map[string]any)
	}
	if len(run.Parameters) > 0 {
		resolved, err := params.ResolveStage2(map[string]any(run.Parameters), runnerVars)
		if err != nil {
			return nil, fmt.Errorf("parameters: %w", err)
		}
		out.Parameters = resolved.(map[string]any)
	}
	return &out, nil
}

// command picks the executor argv: the blueprint's own command for
// procedural agents, the configured host command for autonomous ones.
func (l *Launcher) command(run *models.Run) ([]string, error) {
	if raw, ok := run.Blueprint["command"].([]any); ok && len(raw) > 0 {
		argv := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("blueprint command contains a non-string element %v", item)
			}
			argv = append(argv, s)
		}
		return argv, nil
	}

	if argv, ok := l.executorCommands[run.ExecutorType]; ok && len(argv) > 0 {
		return append([]string(nil), argv...), nil
	}
	return nil, fmt.Errorf("no executor command configured for type %q", run.ExecutorType)
}

func (l *Launcher) environment(run *models.Run) []string {
	env := append(os.Environ(),
		"AGENT_SESSION_ID="+run.SessionID,
		"AGENT_RUN_ID="+run.ID,
		"AGENT_ORCHESTRATOR_API_URL="+l.client.BaseURL(),
		"AGENT_ORCHESTRATOR_API_KEY="+l.client.APIKey(),
		"AGENT_ORCHESTRATOR_MCP_URL="+l.mcpURL,
	)
	if execID, ok := run.Parameters["executor_session_id"].(string); ok && execID != "" {
		env = append(env, "EXECUTOR_SESSION_ID="+execID)
	}
	return env
}

// terminate sends SIGTERM to the executor's process group, escalating to
// SIGKILL when the grace period runs out.
func (l *Launcher) terminate(cmd *exec.Cmd, exited <-chan error) {
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-exited:
		return
	case <-time.After(stopGrace):
		slog.Warn("Executor ignored SIGTERM, killing process group", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-exited
	}
}

func (l *Launcher) reportFailed(runID, msg string) error {
	slog.Error("Run failed before completion", "run_id", runID, "error", msg)
	ctx, cancel := reportCtx()
	defer cancel()
	return l.client.ReportFailed(ctx, runID, models.ReportFailedRequest{
		RunnerID: l.runnerID,
		Error:    msg,
	})
}

func reportCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), eventPostTimeout)
}

// runState tracks one execution's observable progress: whether started was
// reported, whether a terminal event flowed through, and the stderr tail.
type runState struct {
	run      *models.Run
	launcher *Launcher

	startedOnce  sync.Once
	startedTimer *time.Timer

	mu       sync.Mutex
	terminal bool
	stderr   []string
}

// forwardEvents streams executor stdout lines into the session event log.
// The first line also triggers the started report, carrying the executor's
// own session id when the opening event announces one.
func (s *runState) forwardEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req models.AppendEventRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil || req.EventType == "" {
			slog.Debug("Ignoring non-event executor output", "run_id", s.run.ID, "line", line)
			continue
		}

		s.reportStarted(s.executorSessionID(req))
		if models.EventType(req.EventType).Terminal() {
			s.mu.Lock()
			s.terminal = true
			s.mu.Unlock()
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventPostTimeout)
		err := s.launcher.client.AppendEvent(ctx, s.run.SessionID, req)
		cancel()
		if err != nil {
			slog.Warn("Failed to forward executor event",
				"run_id", s.run.ID,
				"event_type", req.EventType,
				"error", err)
		}
	}
}

func (s *runState) executorSessionID(req models.AppendEventRequest) string {
	if models.EventType(req.EventType) != models.EventSessionStart {
		return ""
	}
	id, _ := req.Payload["executor_session_id"].(string)
	return id
}

func (s *runState) reportStarted(executorSessionID string) {
	s.startedOnce.Do(func() {
		s.startedTimer.Stop()
		ctx, cancel := reportCtx()
		defer cancel()
		err := s.launcher.client.ReportStarted(ctx, s.run.ID, models.ReportStartedRequest{
			RunnerID:          s.launcher.runnerID,
			ExecutorSessionID: executorSessionID,
		})
		if err != nil {
			slog.Warn("Failed to report run started", "run_id", s.run.ID, "error", err)
		}
	})
}

func (s *runState) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.mu.Lock()
		s.stderr = append(s.stderr, scanner.Text())
		if len(s.stderr) > stderrTailLines {
			s.stderr = s.stderr[len(s.stderr)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
}

func (s *runState) terminalSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *runState) stderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.stderr, "\n")
}
