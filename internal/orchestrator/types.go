// Package orchestrator coordinates mode selection, risk gating, approvals,
// checkpointing and engine execution for hybrid sessions.
package orchestrator

import (
	"time"

	"conductor/internal/engine"
	"conductor/internal/modesel"
)

// Outcome classifies how an execute call returned to its caller.
type Outcome string

const (
	// OutcomeCompleted means the run finished before the call returned.
	OutcomeCompleted Outcome = "completed"

	// OutcomeSuspended means a tool call is parked on a pending approval.
	// The run continues in the background once the approval resolves.
	OutcomeSuspended Outcome = "suspended"

	// OutcomeFailed means the run terminated with an error.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled means the run was cancelled.
	OutcomeCancelled Outcome = "cancelled"
)

// ExecuteRequest is one turn of input for a session.
type ExecuteRequest struct {
	// SessionID identifies the target session.
	SessionID string `json:"session_id"`

	// Input is the user's input for this turn.
	Input string `json:"input"`

	// Mode, when set, forces this turn's execution mode.
	Mode engine.Mode `json:"mode,omitempty"`

	// Approvers restricts who may decide approvals raised by this turn.
	Approvers []string `json:"approvers,omitempty"`

	// Context carries request-scoped metadata (environment, permissions).
	Context map[string]any `json:"context,omitempty"`

	// Timeout bounds the run. Zero uses the configured default.
	Timeout time.Duration `json:"-"`
}

// Result is the synchronous outcome of an execute call. A suspended result
// carries the approval id the run is parked on; the run's final outcome is
// observable through the run registry and the event stream.
type Result struct {
	RunID     string  `json:"run_id"`
	SessionID string  `json:"session_id"`
	Outcome   Outcome `json:"outcome"`

	// Mode is the mode the turn executed in.
	Mode engine.Mode `json:"mode"`

	// ModeDecision is the selector's advisory recommendation for this turn,
	// surfaced even when an override suppressed it.
	ModeDecision *modesel.Decision `json:"mode_decision,omitempty"`

	// ModeSwitched is set when this turn flipped the session's mode.
	ModeSwitched bool `json:"mode_switched,omitempty"`

	Output string `json:"output,omitempty"`

	// ApprovalID is set on suspended results.
	ApprovalID string `json:"approval_id,omitempty"`

	// CheckpointID is the auto checkpoint taken after completion, if any.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	Usage *engine.Usage `json:"usage,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
