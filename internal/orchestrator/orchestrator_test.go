package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/approval"
	"conductor/internal/bridge"
	"conductor/internal/checkpoint"
	"conductor/internal/engine"
	"conductor/internal/modesel"
	"conductor/internal/risk"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
)

type harness struct {
	orch        *Orchestrator
	db          *storage.DB
	approvals   *approval.Controller
	checkpoints *checkpoint.Store
	runs        *scheduler.Registry
	broker      *bridge.Broker
}

func newHarness(t *testing.T, approvalTimeout time.Duration) *harness {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	approvals := approval.NewController(approval.Config{
		Audit:         db,
		Timeout:       approvalTimeout,
		SweepInterval: 10 * time.Millisecond,
	})
	t.Cleanup(approvals.Close)

	checkpoints := checkpoint.NewStore(db, checkpoint.Config{})
	runs := scheduler.NewRegistry()
	broker := bridge.NewBroker()

	orch := New(Deps{
		DB:               db,
		Engines:          []engine.Engine{engine.NewWorkflowEngine(), engine.NewChatEngine()},
		Tools:            engine.NewSimulatedExecutor(),
		Risk:             risk.NewEngine(risk.Config{}),
		Approvals:        approvals,
		Checkpoints:      checkpoints,
		Selector:         modesel.NewSelector(0.7),
		Runs:             runs,
		Broker:           broker,
		ExecutionTimeout: 5 * time.Second,
		AutoCheckpoint:   true,
	})

	return &harness{orch: orch, db: db, approvals: approvals, checkpoints: checkpoints, runs: runs, broker: broker}
}

func (h *harness) waitForRun(t *testing.T, runID string, want scheduler.RunState) *scheduler.Run {
	t.Helper()
	var run *scheduler.Run
	require.Eventually(t, func() bool {
		got, err := h.runs.Get(runID)
		if err != nil {
			return false
		}
		run = got
		return got.State == want
	}, 3*time.Second, 10*time.Millisecond, "run never reached %s", want)
	return run
}

func TestExecuteCompletesBenignWorkflow(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run build then run tests",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, engine.ModeWorkflow, result.Mode)
	assert.NotEmpty(t, result.Output)
	assert.NotEmpty(t, result.CheckpointID, "auto checkpoint after completion")

	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.MafState, "workflow state persisted")
	assert.Equal(t, 1, got.ExecutionCount)

	var state struct {
		CompletedSteps []string `json:"completed_steps"`
	}
	require.NoError(t, json.Unmarshal(got.MafState, &state))
	assert.Equal(t, []string{"run build", "run tests"}, state.CompletedSteps)
}

func TestExecuteSuspendsOnHighRiskAndResumesOnApproval(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run rm -rf /var/data",
	})
	require.NoError(t, err)

	require.Equal(t, OutcomeSuspended, result.Outcome)
	require.NotEmpty(t, result.ApprovalID)

	run := h.waitForRun(t, result.RunID, scheduler.RunSuspended)
	assert.Equal(t, result.ApprovalID, run.ApprovalID)

	// A pre-approval checkpoint exists before the decision.
	hitl, err := h.checkpoints.List(session.ID, checkpoint.ListFilter{Type: checkpoint.TypeHITL})
	require.NoError(t, err)
	require.Len(t, hitl, 1)
	require.NotNil(t, hitl[0].RiskSnapshot)
	assert.Equal(t, risk.LevelCritical, hitl[0].RiskSnapshot.OverallLevel)

	_, err = h.orch.ResolveApproval(result.ApprovalID, true, "alice", "go ahead")
	require.NoError(t, err)

	h.waitForRun(t, result.RunID, scheduler.RunCompleted)

	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	var state struct {
		CompletedSteps []string `json:"completed_steps"`
	}
	require.NoError(t, json.Unmarshal(got.MafState, &state))
	assert.Equal(t, []string{"run rm -rf /var/data"}, state.CompletedSteps, "approved step executed")
}

func TestExecuteRejectionHaltsPlanWithoutExecuting(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run rm -rf /var/data; run cleanup report",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, result.Outcome)

	_, err = h.orch.ResolveApproval(result.ApprovalID, false, "bob", "not on prod")
	require.NoError(t, err)

	h.waitForRun(t, result.RunID, scheduler.RunCompleted)

	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	var state struct {
		CompletedSteps []string `json:"completed_steps"`
	}
	require.NoError(t, json.Unmarshal(got.MafState, &state))
	assert.Empty(t, state.CompletedSteps, "rejected step never executed, plan halted")
}

func TestExecuteApprovalTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run rm -rf /var/data",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, result.Outcome)

	run := h.waitForRun(t, result.RunID, scheduler.RunFailed)
	assert.Contains(t, run.Error, "timed out")

	// A recovery checkpoint was taken for the failed run.
	recovery, err := h.checkpoints.List(session.ID, checkpoint.ListFilter{Type: checkpoint.TypeRecovery})
	require.NoError(t, err)
	assert.Len(t, recovery, 1)
}

func TestExecuteRejectsConcurrentRunOnSameSession(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	first, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run rm -rf /var/data",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, first.Outcome)

	_, err = h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run build",
	})
	assert.ErrorIs(t, err, scheduler.ErrSessionBusy)

	// Other sessions execute normally meanwhile.
	other, err := h.db.CreateSession("workflow")
	require.NoError(t, err)
	res, err := h.orch.Execute(context.Background(), ExecuteRequest{SessionID: other.ID, Input: "run build"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	_, err = h.orch.ResolveApproval(first.ApprovalID, true, "alice", "")
	require.NoError(t, err)
	h.waitForRun(t, first.RunID, scheduler.RunCompleted)
}

func TestExecuteAutoSwitchPersistsCheckpointBeforeModeFlip(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("chat")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "deploy the api; run migrations; restart workers",
	})
	require.NoError(t, err)

	assert.True(t, result.ModeSwitched)
	assert.Equal(t, engine.ModeWorkflow, result.Mode)

	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "workflow", got.CurrentMode)

	switches, err := h.checkpoints.List(session.ID, checkpoint.ListFilter{Type: checkpoint.TypeModeSwitch})
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "chat", switches[0].Metadata["from"])
	assert.Equal(t, "workflow", switches[0].Metadata["to"])
	assert.True(t, switches[0].CreatedAt.Before(got.UpdatedAt) || switches[0].CreatedAt.Equal(got.UpdatedAt),
		"checkpoint durable no later than the mode flip")
}

func TestExecuteManualOverrideSuppressesRecommendation(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("chat")
	require.NoError(t, err)
	require.NoError(t, h.db.UpdateSessionOverride(session.ID, "chat"))

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "deploy the api; run migrations; restart workers",
	})
	require.NoError(t, err)

	assert.Equal(t, engine.ModeChat, result.Mode)
	assert.False(t, result.ModeSwitched)
	require.NotNil(t, result.ModeDecision)
	assert.True(t, result.ModeDecision.Overridden)
}

func TestExecuteExplicitModeWins(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("chat")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "how is the cluster?",
		Mode:      engine.ModeWorkflow,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeWorkflow, result.Mode)
	assert.True(t, result.ModeSwitched)
}

func TestExecuteValidation(t *testing.T) {
	h := newHarness(t, time.Minute)

	_, err := h.orch.Execute(context.Background(), ExecuteRequest{SessionID: "s", Input: "  "})
	assert.Error(t, err)

	_, err = h.orch.Execute(context.Background(), ExecuteRequest{SessionID: "missing", Input: "run build"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	session, err := h.db.CreateSession("chat")
	require.NoError(t, err)
	_, err = h.orch.Execute(context.Background(), ExecuteRequest{SessionID: session.ID, Input: "x", Mode: "turbo"})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestExecuteWithoutSessionCreatesOne(t *testing.T) {
	h := newHarness(t, time.Minute)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{Input: "run build"})
	require.NoError(t, err)

	require.NotEmpty(t, result.SessionID)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	session, err := h.db.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.ExecutionCount)

	// Explicit mode seeds the new session; omitted mode defaults to chat.
	wf, err := h.orch.Execute(context.Background(), ExecuteRequest{Input: "hello there", Mode: engine.ModeWorkflow})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeWorkflow, wf.Mode)

	chat, err := h.orch.Execute(context.Background(), ExecuteRequest{Input: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeChat, chat.Mode)
}

func TestSwitchModeManual(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("chat")
	require.NoError(t, err)

	result, err := h.orch.SwitchMode(session.ID, SwitchRequest{
		Mode:             engine.ModeWorkflow,
		Pin:              true,
		PreserveContext:  true,
		CreateCheckpoint: true,
		Reason:           "user picked workflow",
	})
	require.NoError(t, err)
	assert.True(t, result.Switched)
	assert.Equal(t, engine.ModeChat, result.From)
	assert.Equal(t, engine.ModeWorkflow, result.To)
	assert.True(t, result.ContextPreserved)
	assert.Equal(t, "workflow", result.Session.CurrentMode)
	assert.Equal(t, "workflow", result.Session.ManualOverride)

	require.NotEmpty(t, result.CheckpointID)
	cp, err := h.checkpoints.Get(result.CheckpointID, false)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.TypeModeSwitch, cp.Type)
	assert.Equal(t, engine.ModeChat, cp.ExecutionMode, "checkpoint records the pre-switch mode")
	assert.Equal(t, "user picked workflow", cp.Metadata["reason"])

	require.NoError(t, h.orch.ClearOverride(session.ID))
	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ManualOverride)
}

func TestSwitchModePreservesContextAcrossCheckpointRestore(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	first, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run build",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	result, err := h.orch.SwitchMode(session.ID, SwitchRequest{
		Mode:             engine.ModeChat,
		PreserveContext:  true,
		CreateCheckpoint: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.CheckpointID)

	// The switch keeps the workflow state on the session.
	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "chat", got.CurrentMode)
	assert.NotEmpty(t, got.MafState)

	// Restoring the switch checkpoint puts the session back in the
	// pre-switch mode with the same workflow state.
	restored, err := h.checkpoints.Restore(result.CheckpointID, checkpoint.RestoreFull, "")
	require.NoError(t, err)
	assert.Equal(t, engine.ModeWorkflow, restored.ExecutionMode)

	back, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "workflow", back.CurrentMode)
	assert.NotEmpty(t, back.MafState)
}

func TestSwitchModeDiscardsContextWhenAsked(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	first, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run build",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	result, err := h.orch.SwitchMode(session.ID, SwitchRequest{
		Mode:             engine.ModeChat,
		CreateCheckpoint: true,
	})
	require.NoError(t, err)
	assert.False(t, result.ContextPreserved)

	got, err := h.db.GetSession(session.ID)
	require.NoError(t, err)
	assert.Empty(t, got.MafState, "engine state reset on an unpreserved switch")

	// The pre-switch checkpoint still holds the discarded state.
	cp, err := h.checkpoints.Get(result.CheckpointID, false)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.TypeModeSwitch, cp.Type)
}

func TestSwitchModeRejectedWhileBusy(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run rm -rf /var/data",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, result.Outcome)

	_, err = h.orch.SwitchMode(session.ID, SwitchRequest{Mode: engine.ModeChat})
	assert.ErrorIs(t, err, scheduler.ErrSessionBusy)

	_, err = h.orch.ResolveApproval(result.ApprovalID, true, "alice", "")
	require.NoError(t, err)
	h.waitForRun(t, result.RunID, scheduler.RunCompleted)
}

func TestCancelSuspendedRun(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run rm -rf /var/data",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, result.Outcome)

	require.NoError(t, h.orch.CancelRun(result.RunID))

	run, err := h.runs.Get(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunCancelled, run.State)

	// Session is usable again.
	require.Eventually(t, func() bool {
		_, busy := h.runs.ActiveRun(session.ID)
		return !busy
	}, time.Second, 10*time.Millisecond)

	// Cancellation leaves a recovery checkpoint behind, like any other
	// abnormal end.
	require.Eventually(t, func() bool {
		recovery, err := h.checkpoints.List(session.ID, checkpoint.ListFilter{Type: checkpoint.TypeRecovery})
		return err == nil && len(recovery) == 1
	}, 2*time.Second, 10*time.Millisecond, "no recovery checkpoint after cancel")

	recovery, err := h.checkpoints.List(session.ID, checkpoint.ListFilter{Type: checkpoint.TypeRecovery})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", recovery[0].Metadata["reason"])
}

func TestExecuteEmitsProtocolEventStream(t *testing.T) {
	h := newHarness(t, time.Minute)
	session, err := h.db.CreateSession("workflow")
	require.NoError(t, err)

	sub := h.broker.Subscribe(session.ID)
	defer h.broker.Unsubscribe(session.ID, sub)

	result, err := h.orch.Execute(context.Background(), ExecuteRequest{
		SessionID: session.ID,
		Input:     "run build",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	var seen []bridge.EventType
	deadline := time.After(2 * time.Second)
	for {
		var done bool
		select {
		case ev := <-sub:
			seen = append(seen, ev.Type)
			done = ev.Type == bridge.EventRunFinished
		case <-deadline:
			t.Fatal("event stream never finished")
		}
		if done {
			break
		}
	}

	assert.Equal(t, bridge.EventRunStarted, seen[0])
	assert.Contains(t, seen, bridge.EventToolCallStart)
	assert.Contains(t, seen, bridge.EventToolCallResult)
	assert.Contains(t, seen, bridge.EventStateSnapshot)
}
