// Package engine defines the narrow execution contract the coordinator uses
// to drive its two heterogeneous engines, plus in-process reference
// implementations of both.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Mode identifies which execution engine handles a turn.
type Mode string

const (
	// ModeWorkflow is deterministic multi-step plan execution.
	ModeWorkflow Mode = "workflow"

	// ModeChat is open-ended conversational execution.
	ModeChat Mode = "chat"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	return m == ModeWorkflow || m == ModeChat
}

// ParseMode parses a mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("engine: unknown mode %q", s)
	}
	return m, nil
}

// StateKind tags which engine a state blob belongs to.
type StateKind string

const (
	// StateKindMAF is the workflow engine's state.
	StateKindMAF StateKind = "maf"

	// StateKindClaude is the chat engine's state.
	StateKindClaude StateKind = "claude"
)

// State is a tagged, versioned opaque engine state blob. The coordinator
// validates the envelope without knowing engine internals.
type State struct {
	Kind    StateKind `json:"kind"`
	Version int       `json:"version"`
	Bytes   []byte    `json:"bytes"`
}

// Validate checks the envelope tag.
func (s State) Validate() error {
	switch s.Kind {
	case StateKindMAF, StateKindClaude:
		return nil
	default:
		return fmt.Errorf("engine: unknown state kind %q", s.Kind)
	}
}

// ToolCall is a tool invocation proposed by an engine.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of an executed tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ToolExecutor executes tool calls on behalf of an engine. The coordinator
// supplies an implementation that scores risk and may suspend the call for
// human approval before running it.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// Usage reports token consumption and tool activity for a turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ToolCalls        int `json:"tool_calls"`
}

// EventType classifies engine stream events.
type EventType int

const (
	// EventContent is streamed output text.
	EventContent EventType = iota
	// EventToolCall announces a proposed tool call.
	EventToolCall
	// EventToolResult reports an executed tool call.
	EventToolResult
	// EventDone closes a successful turn and carries the final state.
	EventDone
	// EventError closes a failed turn.
	EventError
)

// Event is one element of an engine's execution stream.
type Event struct {
	Type       EventType
	Content    string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Usage      *Usage
	State      *State
	Err        error
}

// Request carries one turn of input into an engine.
type Request struct {
	SessionID string
	Input     string

	// State is the engine's prior serialized state; zero-value Bytes on a
	// fresh session.
	State State

	// Tools executes proposed tool calls. Never nil.
	Tools ToolExecutor

	// Context carries request-scoped metadata (environment, permissions).
	Context map[string]any
}

// Engine is the execute() contract. Implementations stream events and must
// close the channel after an EventDone or EventError.
type Engine interface {
	Kind() Mode
	Execute(ctx context.Context, req Request) (<-chan Event, error)
}

// marshalState is a helper for engines serializing their internal state.
func marshalState(kind StateKind, version int, v any) (*State, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal state: %w", err)
	}
	return &State{Kind: kind, Version: version, Bytes: data}, nil
}
