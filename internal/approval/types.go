// Package approval manages the lifecycle of pending human-approval requests.
package approval

import (
	"errors"
	"time"

	"conductor/internal/risk"
)

// Status is the lifecycle state of an approval request. Every non-pending
// status is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Policy is the multi-approver policy.
type Policy string

const (
	// PolicyAny resolves on the first decision from any listed approver.
	PolicyAny Policy = "any"

	// PolicyAll requires every listed approver to approve; any rejection
	// is terminal.
	PolicyAll Policy = "all"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a request is unknown.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyProcessed is returned when deciding a non-pending request.
	ErrAlreadyProcessed = errors.New("approval request already processed")

	// ErrMaxPendingExceeded is returned when the pending limit is reached.
	ErrMaxPendingExceeded = errors.New("max pending approval requests exceeded")

	// ErrNotApprover is returned when the actor is not a listed approver.
	ErrNotApprover = errors.New("actor is not a listed approver")
)

// Request is a pending (or resolved) approval request. One request
// corresponds to exactly one in-flight tool call.
type Request struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`

	// ExecutionID is the run whose tool call is suspended on this request.
	ExecutionID string `json:"execution_id"`

	// SessionID is the session this request belongs to.
	SessionID string `json:"session_id"`

	// Assessment is the risk snapshot that triggered the gate.
	Assessment *risk.Assessment `json:"assessment"`

	// Approvers lists who may decide. Empty means anyone.
	Approvers []string `json:"approvers,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// RequestedAt is when the request was created.
	RequestedAt time.Time `json:"requested_at"`

	// ExpiresAt is when the request times out.
	ExpiresAt time.Time `json:"expires_at"`

	// DecidedBy identifies who resolved the request.
	DecidedBy string `json:"decided_by,omitempty"`

	// DecidedAt is when the request was resolved.
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// Comment carries decision or cancellation context.
	Comment string `json:"comment,omitempty"`
}

// Result is the terminal outcome delivered to the suspended caller.
type Result struct {
	RequestID string    `json:"request_id"`
	Status    Status    `json:"status"`
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decided_by,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Notifier broadcasts approval lifecycle events to connected clients.
type Notifier interface {
	// NotifyRequested broadcasts a new approval request.
	NotifyRequested(req *Request) error

	// NotifyResolved broadcasts the resolution of an approval request.
	NotifyResolved(req *Request, result *Result) error
}

// AuditLogger records approval lifecycle events for audit.
type AuditLogger interface {
	AppendAudit(requestID, event, actor, comment string) error
}

// ListFilter narrows List results. An empty Status selects pending requests.
type ListFilter struct {
	SessionID   string
	ExecutionID string
	Status      Status
}
