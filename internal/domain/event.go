package domain

import (
	"encoding/json"
	"time"
)

// AuthorUser is the author string for events originating from the human
// user. Events from any other author produce a usage record.
const AuthorUser = "user"

// Event types as stored in session_events.event_type.
const (
	EventTypeMessage     = "message"
	EventTypeStateChange = "state_change"
)

// EventActions carries the side effects requested by an event.
type EventActions struct {
	StateDelta Delta `json:"state_delta,omitempty"`
}

// Event is one turn produced by the agent runtime: a user message, tool
// call/response, or agent reply. Partial events are interim streaming
// fragments and are never persisted.
type Event struct {
	ID           string          `json:"id"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Author       string          `json:"author"`
	Partial      bool            `json:"partial,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Actions      EventActions    `json:"actions"`

	// SequenceNum is assigned by the store at commit time; zero until the
	// event has been appended.
	SequenceNum int64     `json:"sequence_num,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// Type classifies a finalized event: state_change when it carries a
// non-empty state delta, message otherwise.
func (e *Event) Type() string {
	if len(e.Actions.StateDelta) > 0 {
		return EventTypeStateChange
	}
	return EventTypeMessage
}
