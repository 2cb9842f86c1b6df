package models

import (
	"time"
)

// CallbackStrategy decides when a parent is re-entered after children finish.
type CallbackStrategy string

const (
	// CallbackImmediate fires on each child's terminal state.
	CallbackImmediate CallbackStrategy = "immediate"
	// CallbackBatch aggregates completions inside a delay window that opens
	// at the first child's terminal state.
	CallbackBatch CallbackStrategy = "batch"
	// CallbackAll fires once every registration of the parent has terminated.
	CallbackAll CallbackStrategy = "all"
)

// ValidCallbackStrategy reports whether s is a known strategy.
func ValidCallbackStrategy(s string) bool {
	switch CallbackStrategy(s) {
	case CallbackImmediate, CallbackBatch, CallbackAll:
		return true
	}
	return false
}

// CallbackStatus is the monotonic state of a registration.
type CallbackStatus string

const (
	CallbackStatusPending        CallbackStatus = "pending"
	CallbackStatusChildRunning   CallbackStatus = "child_running"
	CallbackStatusChildCompleted CallbackStatus = "child_completed"
	CallbackStatusSent           CallbackStatus = "callback_sent"
	CallbackStatusFailed         CallbackStatus = "callback_failed"
	CallbackStatusCancelled      CallbackStatus = "cancelled"
)

// Terminal reports whether the registration can make no further progress.
func (s CallbackStatus) Terminal() bool {
	switch s {
	case CallbackStatusSent, CallbackStatusFailed, CallbackStatusCancelled:
		return true
	}
	return false
}

// Callback re-enters a parent session when its child reaches terminal state.
type Callback struct {
	ID                string           `db:"id" json:"callback_id"`
	ParentSessionID   string           `db:"parent_session_id" json:"parent_session_id"`
	ParentSessionName string           `db:"parent_session_name" json:"parent_session_name"`
	ChildSessionName  string           `db:"child_session_name" json:"child_session_name"`
	ChildSessionID    *string          `db:"child_session_id" json:"child_session_id,omitempty"`
	Strategy          CallbackStrategy `db:"strategy" json:"strategy"`
	BatchDelaySeconds int              `db:"batch_delay_seconds" json:"batch_delay_seconds,omitempty"`
	Status            CallbackStatus   `db:"status" json:"status"`
	ChildStatus       *string          `db:"child_status" json:"child_status,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// CallbackListResponse is the body of GET /callbacks.
type CallbackListResponse struct {
	Callbacks []*Callback `json:"callbacks"`
}
