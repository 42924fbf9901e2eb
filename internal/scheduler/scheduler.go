// Package scheduler tracks in-flight runs and enforces per-session
// execution exclusivity.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/engine"
	"conductor/pkg/logger"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSuspended RunState = "suspended"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run state is terminal.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Sentinel errors.
var (
	// ErrSessionBusy is returned when a session already has a live run.
	// Suspended runs hold the session: they still own in-flight state.
	ErrSessionBusy = errors.New("session already has an active run")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

// Run is one tracked execution.
type Run struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Mode       engine.Mode `json:"mode"`
	State      RunState    `json:"state"`
	ApprovalID string      `json:"approval_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`

	cancel context.CancelFunc
}

func (r *Run) clone() *Run {
	cp := *r
	cp.cancel = nil
	return &cp
}

// Registry tracks runs by id and enforces one live run per session. A second
// execute against a busy session is rejected, not queued.
type Registry struct {
	mu sync.RWMutex

	runs    map[string]*Run
	active  map[string]string // sessionID -> live run id
	maxDone int               // terminal runs retained per registry
}

// NewRegistry creates a run registry.
func NewRegistry() *Registry {
	return &Registry{
		runs:    make(map[string]*Run),
		active:  make(map[string]string),
		maxDone: 1000,
	}
}

// Begin registers a new run for the session and marks it running. Returns
// ErrSessionBusy while another run for the session is running or suspended.
func (r *Registry) Begin(sessionID string, mode engine.Mode, cancel context.CancelFunc) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if liveID, busy := r.active[sessionID]; busy {
		logger.Debug().
			Str("session_id", sessionID).
			Str("live_run_id", liveID).
			Msg("Rejecting concurrent execute for busy session")
		return nil, ErrSessionBusy
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Mode:      mode,
		State:     RunRunning,
		CreatedAt: now,
		StartedAt: &now,
		cancel:    cancel,
	}

	r.runs[run.ID] = run
	r.active[sessionID] = run.ID

	return run.clone(), nil
}

// Suspend marks a run suspended on an approval request. The session stays
// held: the suspended run owns the in-flight engine state.
func (r *Registry) Suspend(runID, approvalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.State.Terminal() {
		return nil
	}

	run.State = RunSuspended
	run.ApprovalID = approvalID
	return nil
}

// Resume marks a suspended run running again.
func (r *Registry) Resume(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.State != RunSuspended {
		return nil
	}

	run.State = RunRunning
	run.ApprovalID = ""
	return nil
}

// Finish moves a run to a terminal state and releases the session.
func (r *Registry) Finish(runID string, state RunState, errMsg string) error {
	if !state.Terminal() {
		return errors.New("scheduler: Finish requires a terminal state")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.State.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	run.State = state
	run.Error = errMsg
	run.FinishedAt = &now

	if r.active[run.SessionID] == runID {
		delete(r.active, run.SessionID)
	}

	r.evictLocked()
	return nil
}

// Cancel cancels a live run's context and marks it cancelled.
func (r *Registry) Cancel(runID string) error {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return ErrRunNotFound
	}
	if run.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	cancel := run.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return r.Finish(runID, RunCancelled, "cancelled")
}

// Get returns a copy of the run.
func (r *Registry) Get(runID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.clone(), nil
}

// ActiveRun returns the session's live run, if any.
func (r *Registry) ActiveRun(sessionID string) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runID, ok := r.active[sessionID]
	if !ok {
		return nil, false
	}
	return r.runs[runID].clone(), true
}

// List returns runs for a session, newest first. Empty sessionID lists all.
func (r *Registry) List(sessionID string) []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		if sessionID != "" && run.SessionID != sessionID {
			continue
		}
		result = append(result, run.clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// evictLocked drops the oldest terminal runs past the retention cap.
// Caller holds r.mu.
func (r *Registry) evictLocked() {
	var done []*Run
	for _, run := range r.runs {
		if run.State.Terminal() {
			done = append(done, run)
		}
	}
	if len(done) <= r.maxDone {
		return
	}

	sort.Slice(done, func(i, j int) bool {
		return done[i].CreatedAt.Before(done[j].CreatedAt)
	})
	for _, run := range done[:len(done)-r.maxDone] {
		delete(r.runs, run.ID)
	}
}
