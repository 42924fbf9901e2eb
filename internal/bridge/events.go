// Package bridge translates engine execution streams into the AG-UI event
// protocol and manages the versioned shared state both engines read.
package bridge

import (
	"encoding/json"
	"time"
)

// EventType enumerates the AG-UI protocol event types.
type EventType string

const (
	EventRunStarted  EventType = "RUN_STARTED"
	EventRunFinished EventType = "RUN_FINISHED"
	EventRunError    EventType = "RUN_ERROR"

	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"

	EventToolCallStart  EventType = "TOOL_CALL_START"
	EventToolCallArgs   EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd    EventType = "TOOL_CALL_END"
	EventToolCallResult EventType = "TOOL_CALL_RESULT"

	EventStateSnapshot    EventType = "STATE_SNAPSHOT"
	EventStateDelta       EventType = "STATE_DELTA"
	EventMessagesSnapshot EventType = "MESSAGES_SNAPSHOT"

	EventApprovalRequested EventType = "APPROVAL_REQUESTED"
	EventApprovalResolved  EventType = "APPROVAL_RESOLVED"

	EventCustom EventType = "CUSTOM"
)

// Event is one AG-UI protocol event. Field presence depends on Type; the
// zero values are omitted on the wire.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Text message streaming.
	MessageID string `json:"message_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Delta     string `json:"delta,omitempty"`

	// Tool call streaming.
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolCallName string          `json:"tool_call_name,omitempty"`
	ToolArgs     string          `json:"tool_args,omitempty"`
	ToolResult   json.RawMessage `json:"tool_result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`

	// State events.
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	StateDelta  []PatchOp       `json:"state_delta,omitempty"`
	BaseVersion int             `json:"base_version,omitempty"`
	Version     int             `json:"version,omitempty"`

	// Messages snapshot.
	Messages json.RawMessage `json:"messages,omitempty"`

	// Approval events.
	ApprovalID string          `json:"approval_id,omitempty"`
	Approval   json.RawMessage `json:"approval,omitempty"`

	// Run termination.
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	// Custom events.
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// newEvent stamps a protocol event with its thread/run identity.
func newEvent(typ EventType, threadID, runID string) Event {
	return Event{
		Type:      typ,
		ThreadID:  threadID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// Terminal reports whether the event ends a run stream.
func (e Event) Terminal() bool {
	return e.Type == EventRunFinished || e.Type == EventRunError
}
