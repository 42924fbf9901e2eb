package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"conductor/internal/approval"
	"conductor/internal/bridge"
	"conductor/internal/checkpoint"
	"conductor/internal/engine"
	"conductor/internal/modesel"
	"conductor/internal/risk"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
	"conductor/pkg/logger"
)

// ErrUnknownMode is returned for an invalid explicit mode.
var ErrUnknownMode = errors.New("unknown execution mode")

// Orchestrator coordinates one turn of hybrid execution: mode resolution,
// the risk-gated tool path, checkpointing, and engine delegation. It is the
// single writer of session mode and engine state.
type Orchestrator struct {
	db          *storage.DB
	engines     map[engine.Mode]engine.Engine
	tools       engine.ToolExecutor
	risk        *risk.Engine
	approvals   *approval.Controller
	checkpoints *checkpoint.Store
	selector    *modesel.Selector
	runs        *scheduler.Registry
	broker      *bridge.Broker

	executionTimeout time.Duration
	autoCheckpoint   bool
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	DB          *storage.DB
	Engines     []engine.Engine
	Tools       engine.ToolExecutor
	Risk        *risk.Engine
	Approvals   *approval.Controller
	Checkpoints *checkpoint.Store
	Selector    *modesel.Selector
	Runs        *scheduler.Registry
	Broker      *bridge.Broker

	ExecutionTimeout time.Duration
	AutoCheckpoint   bool
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	engines := make(map[engine.Mode]engine.Engine, len(deps.Engines))
	for _, e := range deps.Engines {
		engines[e.Kind()] = e
	}

	timeout := 5 * time.Minute
	if deps.ExecutionTimeout > 0 {
		timeout = deps.ExecutionTimeout
	}

	return &Orchestrator{
		db:               deps.DB,
		engines:          engines,
		tools:            deps.Tools,
		risk:             deps.Risk,
		approvals:        deps.Approvals,
		checkpoints:      deps.Checkpoints,
		selector:         deps.Selector,
		runs:             deps.Runs,
		broker:           deps.Broker,
		executionTimeout: timeout,
		autoCheckpoint:   deps.AutoCheckpoint,
	}
}

// Execute runs one turn. It returns when the run completes, fails, or
// suspends on an approval; a suspended run keeps executing in the background
// and its eventual outcome is observable through the run registry and the
// event stream.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, errors.New("orchestrator: input is required")
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return nil, ErrUnknownMode
	}

	var session *storage.Session
	var err error
	if req.SessionID == "" {
		mode := engine.ModeChat
		if req.Mode.Valid() {
			mode = req.Mode
		}
		session, err = o.db.CreateSession(string(mode))
		if err != nil {
			return nil, err
		}
		req.SessionID = session.ID
		logger.Info().
			Str("session_id", session.ID).
			Str("mode", string(mode)).
			Msg("Created session for first execution")
	} else {
		session, err = o.db.GetSession(req.SessionID)
		if err != nil {
			return nil, err
		}
	}

	mode, decision, switched, err := o.resolveMode(session, req)
	if err != nil {
		return nil, err
	}

	eng, ok := o.engines[mode]
	if !ok {
		return nil, ErrUnknownMode
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.executionTimeout
	}

	// The run outlives the HTTP request: a suspended run must keep going
	// after the synchronous caller has its answer.
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)

	run, err := o.runs.Begin(req.SessionID, mode, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	gate := newGatedExecutor(o, o.tools, run.ID, req.SessionID, mode, req.Approvers, req.Context, o.broker.Publish)

	events, err := eng.Execute(runCtx, engine.Request{
		SessionID: req.SessionID,
		Input:     req.Input,
		State:     sessionState(session, mode),
		Tools:     gate,
		Context:   req.Context,
	})
	if err != nil {
		cancel()
		_ = o.runs.Finish(run.ID, scheduler.RunFailed, err.Error())
		return nil, err
	}

	logger.Info().
		Str("run_id", run.ID).
		Str("session_id", req.SessionID).
		Str("mode", string(mode)).
		Bool("mode_switched", switched).
		Msg("Run started")

	done := make(chan *Result, 1)
	go o.drive(runCtx, cancel, run.ID, req.SessionID, mode, events, done)

	base := Result{
		RunID:        run.ID,
		SessionID:    req.SessionID,
		Mode:         mode,
		ModeDecision: decision,
		ModeSwitched: switched,
		StartedAt:    run.CreatedAt,
	}

	select {
	case res := <-done:
		res.ModeDecision = decision
		res.ModeSwitched = switched
		return res, nil

	case approvalID := <-gate.suspended:
		suspended := base
		suspended.Outcome = OutcomeSuspended
		suspended.ApprovalID = approvalID
		return &suspended, nil

	case <-ctx.Done():
		// Caller went away; the run keeps going under its own context.
		return nil, ctx.Err()
	}
}

// drive consumes the engine stream to completion, translating it into
// protocol events and finalizing session state and the run record.
func (o *Orchestrator) drive(runCtx context.Context, cancel context.CancelFunc, runID, sessionID string, mode engine.Mode, events <-chan engine.Event, done chan<- *Result) {
	defer cancel()

	translator := bridge.NewTranslator(sessionID, runID)
	translated := make(chan engine.Event, 16)
	go translator.Run(translated)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for ev := range translator.Events() {
			o.broker.Publish(ev)
		}
	}()

	var output strings.Builder
	var finalState *engine.State
	var usage *engine.Usage
	var runErr error

	for ev := range events {
		translated <- ev

		switch ev.Type {
		case engine.EventContent:
			output.WriteString(ev.Content)
		case engine.EventDone:
			finalState = ev.State
			usage = ev.Usage
		case engine.EventError:
			runErr = ev.Err
		}
	}
	close(translated)
	<-pumped

	now := time.Now().UTC()
	result := &Result{
		RunID:      runID,
		SessionID:  sessionID,
		Mode:       mode,
		Output:     output.String(),
		Usage:      usage,
		FinishedAt: &now,
	}

	switch {
	case runErr == nil && finalState != nil:
		result.Outcome = OutcomeCompleted
		o.finalizeSuccess(sessionID, mode, finalState, result)
		_ = o.runs.Finish(runID, scheduler.RunCompleted, "")

	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(runErr, context.DeadlineExceeded):
		result.Outcome = OutcomeFailed
		result.ErrorCode = "EXECUTION_TIMEOUT"
		result.Error = "execution timed out"
		result.CheckpointID = o.recoveryCheckpoint(sessionID, mode, runID, "timeout")
		_ = o.runs.Finish(runID, scheduler.RunFailed, result.Error)

	case errors.Is(runCtx.Err(), context.Canceled):
		result.Outcome = OutcomeCancelled
		result.ErrorCode = "EXECUTION_CANCELLED"
		result.Error = "execution cancelled"
		result.CheckpointID = o.recoveryCheckpoint(sessionID, mode, runID, "cancelled")
		_ = o.runs.Finish(runID, scheduler.RunCancelled, result.Error)

	default:
		result.Outcome = OutcomeFailed
		result.ErrorCode = "EXECUTION_ERROR"
		if errors.Is(runErr, ErrApprovalTimeout) {
			result.ErrorCode = "APPROVAL_TIMEOUT"
		}
		if runErr != nil {
			result.Error = runErr.Error()
		} else {
			result.Error = "engine stream ended without terminal event"
		}
		result.CheckpointID = o.recoveryCheckpoint(sessionID, mode, runID, result.ErrorCode)
		_ = o.runs.Finish(runID, scheduler.RunFailed, result.Error)
	}

	if err := o.db.IncrementExecutionCount(sessionID); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to bump execution count")
	}

	logger.Info().
		Str("run_id", runID).
		Str("outcome", string(result.Outcome)).
		Str("error_code", result.ErrorCode).
		Msg("Run finished")

	done <- result
}

// finalizeSuccess persists the engine's final state and takes the auto
// checkpoint when enabled.
func (o *Orchestrator) finalizeSuccess(sessionID string, mode engine.Mode, state *engine.State, result *Result) {
	if err := state.Validate(); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Engine returned invalid state envelope")
		return
	}

	session, err := o.db.GetSession(sessionID)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load session for state persist")
		return
	}

	maf := engine.State{Kind: engine.StateKindMAF, Version: session.MafVersion, Bytes: session.MafState}
	claude := engine.State{Kind: engine.StateKindClaude, Version: session.ClaudeVersion, Bytes: session.ClaudeState}
	if state.Kind == engine.StateKindMAF {
		maf = *state
	} else {
		claude = *state
	}

	if err := o.db.UpdateSessionState(sessionID, maf.Bytes, maf.Version, claude.Bytes, claude.Version); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to persist engine state")
		return
	}

	if o.autoCheckpoint {
		cp, err := o.checkpoints.Save(sessionID, checkpoint.TypeAuto, mode, maf, claude, nil, map[string]string{"run_id": result.RunID})
		if err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("Auto checkpoint failed")
			return
		}
		result.CheckpointID = cp.ID
	}
}

// recoveryCheckpoint snapshots the session's last durable state after a
// failed run so operators can restore it. Returns the checkpoint id, empty
// when the snapshot itself failed.
func (o *Orchestrator) recoveryCheckpoint(sessionID string, mode engine.Mode, runID, reason string) string {
	cp, err := o.checkpointSession(sessionID, checkpoint.TypeRecovery, mode, nil, map[string]string{
		"run_id": runID,
		"reason": reason,
	})
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Recovery checkpoint failed")
		return ""
	}
	return cp.ID
}

// checkpointSession snapshots the session's current persisted state.
func (o *Orchestrator) checkpointSession(sessionID string, typ checkpoint.Type, mode engine.Mode, assessment *risk.Assessment, metadata map[string]string) (*checkpoint.Checkpoint, error) {
	session, err := o.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	maf := engine.State{Kind: engine.StateKindMAF, Version: session.MafVersion, Bytes: session.MafState}
	claude := engine.State{Kind: engine.StateKindClaude, Version: session.ClaudeVersion, Bytes: session.ClaudeState}

	return o.checkpoints.Save(sessionID, typ, mode, maf, claude, assessment, metadata)
}

// resolveMode decides the turn's mode and performs the persistent mode
// switch when it differs from the session's current mode. The mode-switch
// checkpoint is durable before current_mode flips; a crash between the two
// writes leaves a stale mode plus a checkpoint, never the reverse.
func (o *Orchestrator) resolveMode(session *storage.Session, req ExecuteRequest) (engine.Mode, *modesel.Decision, bool, error) {
	current := engine.Mode(session.CurrentMode)
	override := engine.Mode(session.ManualOverride)

	decision := o.selector.Select(req.Input, current, override)

	mode := decision.Mode
	if req.Mode.Valid() {
		// Explicit per-request mode wins over both the recommendation and
		// the session override.
		mode = req.Mode
	}

	if mode == current {
		return mode, &decision, false, nil
	}

	if _, err := o.checkpointSession(session.ID, checkpoint.TypeModeSwitch, current, nil, map[string]string{
		"from": string(current),
		"to":   string(mode),
	}); err != nil {
		return "", nil, false, err
	}
	if err := o.db.UpdateSessionMode(session.ID, string(mode)); err != nil {
		return "", nil, false, err
	}

	o.broker.Publish(bridge.CustomEvent(session.ID, "", "MODE_SWITCHED", map[string]string{
		"from":   string(current),
		"to":     string(mode),
		"reason": decision.Reason,
	}))

	logger.Info().
		Str("session_id", session.ID).
		Str("from", string(current)).
		Str("to", string(mode)).
		Str("reason", decision.Reason).
		Msg("Session mode switched")

	return mode, &decision, true, nil
}

// SwitchRequest describes a manual mode switch.
type SwitchRequest struct {
	// Mode is the target execution mode.
	Mode engine.Mode

	// Pin records the target mode as a session override so the selector
	// stops auto-switching until the override is cleared.
	Pin bool

	// PreserveContext keeps both engines' accumulated state across the
	// switch; when false the session starts the new mode fresh.
	PreserveContext bool

	// CreateCheckpoint snapshots the pre-switch state first, so the switch
	// is reversible via restore.
	CreateCheckpoint bool

	// Reason is recorded in the checkpoint metadata.
	Reason string
}

// SwitchResult reports the outcome of a manual mode switch.
type SwitchResult struct {
	Session          *storage.Session `json:"session"`
	From             engine.Mode      `json:"from"`
	To               engine.Mode      `json:"to"`
	Switched         bool             `json:"switched"`
	CheckpointID     string           `json:"checkpoint_id,omitempty"`
	ContextPreserved bool             `json:"context_preserved"`
}

// SwitchMode manually switches a session's mode. The pre-switch checkpoint
// (when requested) is durable before the mode flips. Rejected while the
// session has a live run.
func (o *Orchestrator) SwitchMode(sessionID string, req SwitchRequest) (*SwitchResult, error) {
	if !req.Mode.Valid() {
		return nil, ErrUnknownMode
	}

	if _, busy := o.runs.ActiveRun(sessionID); busy {
		return nil, scheduler.ErrSessionBusy
	}

	session, err := o.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	result := &SwitchResult{
		From:             engine.Mode(session.CurrentMode),
		To:               req.Mode,
		ContextPreserved: true,
	}

	if result.From != req.Mode {
		if req.CreateCheckpoint {
			metadata := map[string]string{
				"from":   session.CurrentMode,
				"to":     string(req.Mode),
				"manual": "true",
			}
			if req.Reason != "" {
				metadata["reason"] = req.Reason
			}
			cp, err := o.checkpointSession(sessionID, checkpoint.TypeModeSwitch, result.From, nil, metadata)
			if err != nil {
				return nil, err
			}
			result.CheckpointID = cp.ID
		}
		if !req.PreserveContext {
			if err := o.db.UpdateSessionState(sessionID, nil, 0, nil, 0); err != nil {
				return nil, err
			}
			result.ContextPreserved = false
		}
		if err := o.db.UpdateSessionMode(sessionID, string(req.Mode)); err != nil {
			return nil, err
		}
		result.Switched = true
	}

	override := ""
	if req.Pin {
		override = string(req.Mode)
	}
	if err := o.db.UpdateSessionOverride(sessionID, override); err != nil {
		return nil, err
	}

	result.Session, err = o.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearOverride removes a session's manual mode override.
func (o *Orchestrator) ClearOverride(sessionID string) error {
	return o.db.UpdateSessionOverride(sessionID, "")
}

// ResolveApproval records an approval decision. The suspended run resumes
// (or refuses the tool) on its own; callers needing the final outcome watch
// the run registry or the event stream.
func (o *Orchestrator) ResolveApproval(requestID string, approve bool, actor, comment string) (*approval.Request, error) {
	return o.approvals.Decide(requestID, approve, actor, comment)
}

// CancelRun cancels a live run.
func (o *Orchestrator) CancelRun(runID string) error {
	return o.runs.Cancel(runID)
}

// CheckpointNow takes an on-demand checkpoint of the session's current
// persisted state.
func (o *Orchestrator) CheckpointNow(sessionID string, metadata map[string]string) (*checkpoint.Checkpoint, error) {
	session, err := o.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return o.checkpointSession(sessionID, checkpoint.TypeManual, engine.Mode(session.CurrentMode), nil, metadata)
}

// sessionState extracts the engine state for a mode from the session row.
func sessionState(session *storage.Session, mode engine.Mode) engine.State {
	if mode == engine.ModeWorkflow {
		return engine.State{Kind: engine.StateKindMAF, Version: session.MafVersion, Bytes: session.MafState}
	}
	return engine.State{Kind: engine.StateKindClaude, Version: session.ClaudeVersion, Bytes: session.ClaudeState}
}
