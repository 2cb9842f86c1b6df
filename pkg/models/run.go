package models

import (
	"time"
)

// RunType distinguishes what a run asks the runner to do.
type RunType string

const (
	// RunStartSession starts a fresh executor for a new session.
	RunStartSession RunType = "start_session"
	// RunResumeSession re-enters an existing session with a new prompt.
	RunResumeSession RunType = "resume_session"
	// RunStopCommand requests termination of a session's active run. It is
	// resolved at creation time and never stored as a pending run.
	RunStopCommand RunType = "stop_command"
)

// ValidRunType reports whether t is a known run type.
func ValidRunType(t string) bool {
	switch RunType(t) {
	case RunStartSession, RunResumeSession, RunStopCommand:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusClaimed  RunStatus = "claimed"
	RunStatusStarted  RunStatus = "started"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
	RunStatusStopped  RunStatus = "stopped"
)

// Terminal reports whether the run reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusFinished, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// Active reports whether a runner currently holds the run.
func (s RunStatus) Active() bool {
	return s == RunStatusClaimed || s == RunStatusStarted
}

// Run is one execution attempt of a session. Seq orders the FIFO queue;
// OwnerRunnerID pins runs of runner-owned blueprints to their runner.
type Run struct {
	ID                string     `db:"id" json:"run_id"`
	Seq               int64      `db:"seq" json:"-"`
	Type              RunType    `db:"run_type" json:"type"`
	SessionID         string     `db:"session_id" json:"session_id"`
	SessionName       string     `db:"session_name" json:"session_name"`
	AgentName         string     `db:"agent_name" json:"agent_name"`
	Parameters        JSONMap    `db:"parameters" json:"parameters,omitempty"`
	Blueprint         JSONMap    `db:"blueprint" json:"agent_blueprint,omitempty"`
	ProjectDir        string     `db:"project_dir" json:"project_dir,omitempty"`
	ParentSessionID   *string    `db:"parent_session_id" json:"parent_session_id,omitempty"`
	ParentSessionName *string    `db:"parent_session_name" json:"parent_session_name,omitempty"`
	ExecutorType      string     `db:"executor_type" json:"executor_type"`
	OwnerRunnerID     *string    `db:"owner_runner_id" json:"owner_runner_id,omitempty"`
	Tags              StringList `db:"tags" json:"tags,omitempty"`
	Status            RunStatus  `db:"status" json:"status"`
	StopRequested     bool       `db:"stop_requested" json:"stop_requested,omitempty"`
	ClaimedByRunnerID *string    `db:"claimed_by_runner_id" json:"claimed_by_runner_id,omitempty"`
	ClaimedAt         *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	ExecutorSessionID *string    `db:"executor_session_id" json:"executor_session_id,omitempty"`
	Error             *string    `db:"error" json:"error,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// RunMode selects whether run creation returns immediately or waits for the
// session to reach a terminal state.
type RunMode string

const (
	RunModeAsync RunMode = "async"
	RunModeSync  RunMode = "sync"
)

// CreateRunRequest is the body of POST /runs. Prompt is shorthand for
// Parameters["prompt"]. CreatedBy is filled from the authenticated caller.
type CreateRunRequest struct {
	Type              string         `json:"type"`
	SessionID         string         `json:"session_id,omitempty"`
	SessionName       string         `json:"session_name,omitempty"`
	AgentName         string         `json:"agent_name,omitempty"`
	Prompt            string         `json:"prompt,omitempty"`
	Parameters        JSONMap        `json:"parameters,omitempty"`
	Mode              string         `json:"mode,omitempty"`
	ProjectDir        string         `json:"project_dir,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Scope             map[string]any `json:"scope,omitempty"`
	ParentSessionID   string         `json:"parent_session_id,omitempty"`
	CallbackStrategy  string         `json:"callback_strategy,omitempty"`
	BatchDelaySeconds int            `json:"batch_delay_seconds,omitempty"`
	CreatedBy         string         `json:"-"`
}

// CreateRunResponse acknowledges an enqueued run. For sync mode the result
// of the finished session is included.
type CreateRunResponse struct {
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Result    *ResultResponse `json:"result,omitempty"`
}

// PollResponse is the long-poll answer. Run is nil when no work matched
// before the wait expired; StopRuns lists claimed runs the runner must
// terminate. Both empty means plain timeout.
type PollResponse struct {
	Run      *Run     `json:"run,omitempty"`
	StopRuns []string `json:"stop_runs"`
}

// Runner status reports.
type (
	// ReportStartedRequest moves a claimed run to started.
	ReportStartedRequest struct {
		RunnerID          string `json:"runner_id"`
		ExecutorSessionID string `json:"executor_session_id,omitempty"`
	}
	// ReportCompletedRequest finalizes a run as finished.
	ReportCompletedRequest struct {
		RunnerID string  `json:"runner_id"`
		Result   JSONMap `json:"result,omitempty"`
	}
	// ReportFailedRequest finalizes a run as failed.
	ReportFailedRequest struct {
		RunnerID string `json:"runner_id"`
		Error    string `json:"error"`
	}
	// ReportStoppedRequest finalizes a run as stopped.
	ReportStoppedRequest struct {
		RunnerID string `json:"runner_id"`
		Reason   string `json:"reason,omitempty"`
	}
)
