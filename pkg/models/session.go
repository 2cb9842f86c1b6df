package models

import (
	"time"
)

// SessionStatus is the derived lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusFinished SessionStatus = "finished"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusStopped  SessionStatus = "stopped"
)

// Terminal reports whether the status admits no further events.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusFinished, SessionStatusFailed, SessionStatusStopped:
		return true
	}
	return false
}

// ValidSessionStatus reports whether s is a known session status.
func ValidSessionStatus(s string) bool {
	switch SessionStatus(s) {
	case SessionStatusPending, SessionStatusRunning, SessionStatusFinished,
		SessionStatusFailed, SessionStatusStopped:
		return true
	}
	return false
}

// Session is a named, persistent task instance with its own event log.
type Session struct {
	ID                string        `db:"id" json:"session_id"`
	Name              string        `db:"name" json:"session_name"`
	ProjectDir        string        `db:"project_dir" json:"project_dir,omitempty"`
	AgentName         string        `db:"agent_name" json:"agent_name"`
	CreatedBy         string        `db:"created_by" json:"created_by"`
	ParentSessionName *string       `db:"parent_session_name" json:"parent_session_name,omitempty"`
	Status            SessionStatus `db:"status" json:"status"`
	Tags              StringList    `db:"tags" json:"tags,omitempty"`
	ExecutorSessionID *string       `db:"executor_session_id" json:"executor_session_id,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	LastResumedAt     *time.Time    `db:"last_resumed_at" json:"last_resumed_at,omitempty"`
}

// CreateSessionRequest contains fields for creating a new session.
// CreatedBy is filled from the authenticated caller, not the body.
type CreateSessionRequest struct {
	Name              string   `json:"name"`
	ProjectDir        string   `json:"project_dir,omitempty"`
	AgentName         string   `json:"agent_name"`
	ParentSessionName string   `json:"parent_session_name,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	CreatedBy         string   `json:"-"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	CreatedBy string
	Status    string
	Tag       string
	Limit     int
	Offset    int
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// SessionStatusResponse is the coarse three-state answer used by executors
// and parents for idle checks: running, finished (any terminal state), or
// not_existent.
type SessionStatusResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
}

const (
	StatusAnswerRunning     = "running"
	StatusAnswerFinished    = "finished"
	StatusAnswerNotExistent = "not_existent"
)

// ResultResponse is the extracted result of a terminal session.
type ResultResponse struct {
	SessionID  string  `json:"session_id"`
	ResultType string  `json:"result_type"`
	ResultText string  `json:"result_text,omitempty"`
	ResultData JSONMap `json:"result_data,omitempty"`
}
