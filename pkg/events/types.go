// Package events fans session activity out to live subscribers.
//
// One producer (the event log and the services that mutate sessions) pushes
// messages into the Broadcaster; each subscriber pulls from its own bounded
// queue. Slow subscribers lose messages rather than stall the producer. A
// short replay ring lets reconnecting clients resume from their last seen
// message id instead of reloading everything.
package events

import (
	"fmt"
	"time"
)

// Message types pushed to subscribers.
const (
	TypeInitialState   = "initial_state"
	TypeSessionCreated = "session_created"
	TypeSessionUpdated = "session_updated"
	TypeSessionDeleted = "session_deleted"
	TypeSessionEvent   = "session_event"
	TypeRunFailed      = "run_failed"
	TypeAgentsRemoved  = "agents_removed"
)

// typeAbbrevs are the short tags embedded in message ids, so a truncated log
// line still identifies the message type.
var typeAbbrevs = map[string]string{
	TypeInitialState:   "ini",
	TypeSessionCreated: "scr",
	TypeSessionUpdated: "sup",
	TypeSessionDeleted: "sdl",
	TypeSessionEvent:   "evt",
	TypeRunFailed:      "rfl",
	TypeAgentsRemoved:  "agr",
}

// Message is one unit of fan-out. ID is assigned at publish time as
// <ms_since_epoch>-<abbrev>-<seq>; seq is globally monotonic so ids stay
// unique within a millisecond.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// CreatedBy scopes delivery to the session owner. Not serialized.
	CreatedBy string `json:"-"`

	// AdminOnly restricts delivery to admin subscribers regardless of
	// CreatedBy.
	AdminOnly bool `json:"-"`
}

func messageID(at time.Time, msgType string, seq uint64) string {
	abbrev, ok := typeAbbrevs[msgType]
	if !ok {
		abbrev = "msg"
	}
	return fmt.Sprintf("%d-%s-%d", at.UnixMilli(), abbrev, seq)
}
