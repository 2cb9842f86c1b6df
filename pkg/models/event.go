package models

import (
	"time"
)

// EventType tags the variant of a session event.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionStop  EventType = "session_stop"
	EventPreTool      EventType = "pre_tool"
	EventPostTool     EventType = "post_tool"
	EventMessage      EventType = "message"
	EventResult       EventType = "result"
	EventRunFailed    EventType = "run_failed"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t string) bool {
	switch EventType(t) {
	case EventSessionStart, EventSessionStop, EventPreTool, EventPostTool,
		EventMessage, EventResult, EventRunFailed:
		return true
	}
	return false
}

// Terminal reports whether the event type seals the session's event log.
func (t EventType) Terminal() bool {
	return t == EventSessionStop || t == EventResult
}

// Event is one append-only entry in a session's event log. ID is the global
// append id (used by the broadcaster's resume bookkeeping); Sequence is the
// authoritative per-session order.
type Event struct {
	ID        int64     `db:"id" json:"-"`
	SessionID string    `db:"session_id" json:"session_id"`
	Sequence  int64     `db:"sequence" json:"sequence"`
	Type      EventType `db:"event_type" json:"event_type"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`
	Payload   JSONMap   `db:"payload" json:"payload,omitempty"`
}

// AppendEventRequest is the body of POST /sessions/{id}/events.
type AppendEventRequest struct {
	EventType string  `json:"event_type"`
	Timestamp string  `json:"timestamp,omitempty"`
	Payload   JSONMap `json:"payload,omitempty"`
}

// AppendEventResponse acknowledges a durably stored event.
type AppendEventResponse struct {
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"sequence"`
}

// EventListResponse is a paged slice of a session's event log.
type EventListResponse struct {
	SessionID string   `json:"session_id"`
	Events    []*Event `json:"events"`
}

// ExitCode extracts the exit_code field of a session_stop payload. JSON
// numbers decode as float64, so both representations are accepted.
func (e *Event) ExitCode() (int, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload["exit_code"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// MessageRole returns the role field of a message payload, or "".
func (e *Event) MessageRole() string {
	if e.Payload == nil {
		return ""
	}
	role, _ := e.Payload["role"].(string)
	return role
}

// MessageText concatenates the text blocks of a message payload. Content is
// either a plain string or a list of {type, text} blocks.
func (e *Event) MessageText() string {
	if e.Payload == nil {
		return ""
	}
	switch content := e.Payload["content"].(type) {
	case string:
		return content
	case []any:
		var text string
		for _, block := range content {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				text += t
			}
		}
		return text
	}
	return ""
}
