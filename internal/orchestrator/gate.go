package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"conductor/internal/approval"
	"conductor/internal/bridge"
	"conductor/internal/checkpoint"
	"conductor/internal/engine"
	"conductor/internal/risk"
	"conductor/pkg/logger"
)

// ErrApprovalTimeout is returned by a gated tool call whose approval request
// expired before anyone decided.
var ErrApprovalTimeout = errors.New("approval request timed out")

// gatedExecutor wraps a tool executor with risk assessment and human
// approval. Every tool call is assessed; calls that require approval park
// the run on a pending request and resume only when it resolves. The first
// suspension is signalled once so the synchronous caller can return a
// suspended result while the run continues in the background.
type gatedExecutor struct {
	orch      *Orchestrator
	inner     engine.ToolExecutor
	runID     string
	sessionID string
	mode      engine.Mode
	approvers []string
	reqCtx    map[string]any
	emit      func(bridge.Event)

	suspendOnce sync.Once
	suspended   chan string // delivers the first approval id
}

func newGatedExecutor(o *Orchestrator, inner engine.ToolExecutor, runID, sessionID string, mode engine.Mode, approvers []string, reqCtx map[string]any, emit func(bridge.Event)) *gatedExecutor {
	return &gatedExecutor{
		orch:      o,
		inner:     inner,
		runID:     runID,
		sessionID: sessionID,
		mode:      mode,
		approvers: approvers,
		reqCtx:    reqCtx,
		emit:      emit,
		suspended: make(chan string, 1),
	}
}

// Execute assesses the call and either runs it directly, runs it after an
// approval, or refuses it. A rejected or expired approval never executes the
// tool: the engine receives an error result and decides how to proceed.
func (g *gatedExecutor) Execute(ctx context.Context, call engine.ToolCall) (*engine.ToolResult, error) {
	assessment := g.orch.risk.Assess(risk.Operation{
		Name:      call.Name,
		Arguments: call.Arguments,
		SessionID: g.sessionID,
	}, g.reqCtx)

	logger.Debug().
		Str("run_id", g.runID).
		Str("tool", call.Name).
		Str("level", string(assessment.OverallLevel)).
		Float64("score", assessment.OverallScore).
		Bool("requires_approval", assessment.RequiresApproval).
		Msg("Tool call assessed")

	if !assessment.RequiresApproval {
		return g.inner.Execute(ctx, call)
	}

	req, err := g.orch.approvals.Request(g.runID, g.sessionID, assessment, g.approvers, 0)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create approval request: %w", err)
	}

	// Snapshot both engine states before parking so the run is recoverable
	// if the process dies while suspended.
	if _, err := g.orch.checkpointSession(g.sessionID, checkpoint.TypeHITL, g.mode, assessment, map[string]string{
		"run_id":      g.runID,
		"approval_id": req.ID,
		"tool":        call.Name,
	}); err != nil {
		logger.Warn().Err(err).Str("run_id", g.runID).Msg("Failed to save pre-approval checkpoint")
	}

	if err := g.orch.runs.Suspend(g.runID, req.ID); err != nil {
		logger.Warn().Err(err).Str("run_id", g.runID).Msg("Failed to mark run suspended")
	}

	g.emit(bridge.ApprovalRequestedEvent(g.sessionID, g.runID, req))
	g.suspendOnce.Do(func() { g.suspended <- req.ID })

	result, err := g.orch.approvals.Await(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	g.emit(bridge.ApprovalResolvedEvent(g.sessionID, g.runID, result))
	if err := g.orch.runs.Resume(g.runID); err != nil {
		logger.Warn().Err(err).Str("run_id", g.runID).Msg("Failed to mark run resumed")
	}

	switch result.Status {
	case approval.StatusApproved:
		return g.inner.Execute(ctx, call)

	case approval.StatusExpired:
		return nil, fmt.Errorf("%w: tool %q", ErrApprovalTimeout, call.Name)

	default:
		// Rejected or cancelled: the tool is not executed. The engine sees
		// an error result and decides whether to halt or continue.
		reason := result.Comment
		if reason == "" {
			reason = string(result.Status)
		}
		return &engine.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Output:     fmt.Sprintf("tool call denied: %s", reason),
			IsError:    true,
		}, nil
	}
}
