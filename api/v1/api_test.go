package v1

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/approval"
	"conductor/internal/bridge"
	"conductor/internal/checkpoint"
	"conductor/internal/engine"
	"conductor/internal/modesel"
	"conductor/internal/orchestrator"
	"conductor/internal/risk"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
)

type testAPI struct {
	router *mux.Router
	db     *storage.DB
	deps   Deps
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	approvals := approval.NewController(approval.Config{
		Audit:         db,
		Timeout:       time.Minute,
		SweepInterval: 10 * time.Millisecond,
	})
	t.Cleanup(approvals.Close)

	riskEngine := risk.NewEngine(risk.Config{})
	checkpoints := checkpoint.NewStore(db, checkpoint.Config{})
	runs := scheduler.NewRegistry()
	broker := bridge.NewBroker()

	orch := orchestrator.New(orchestrator.Deps{
		DB:               db,
		Engines:          []engine.Engine{engine.NewWorkflowEngine(), engine.NewChatEngine()},
		Tools:            engine.NewSimulatedExecutor(),
		Risk:             riskEngine,
		Approvals:        approvals,
		Checkpoints:      checkpoints,
		Selector:         modesel.NewSelector(0.7),
		Runs:             runs,
		Broker:           broker,
		ExecutionTimeout: 5 * time.Second,
	})

	deps := Deps{
		Orchestrator: orch,
		DB:           db,
		Risk:         riskEngine,
		Approvals:    approvals,
		Checkpoints:  checkpoints,
		Runs:         runs,
		State:        bridge.NewSharedState(db, broker),
		Broker:       broker,
		Version:      "test",
	}

	router := mux.NewRouter()
	RegisterRoutes(router, deps)

	return &testAPI{router: router, db: db, deps: deps}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func TestHealthAndVersion(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, env = a.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"test"}`, string(env.Data))
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodPost, "/sessions", map[string]string{"mode": "workflow"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID          string `json:"id"`
		CurrentMode string `json:"current_mode"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "workflow", created.CurrentMode)

	rec, _ = a.do(t, http.MethodGet, "/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = a.do(t, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	rec, _ = a.do(t, http.MethodDelete, "/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodGet, "/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionDefaultsToChat(t *testing.T) {
	a := newTestAPI(t)

	_, env := a.do(t, http.MethodPost, "/sessions", map[string]string{})
	var created struct {
		CurrentMode string `json:"current_mode"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "chat", created.CurrentMode)
}

func TestCreateSessionRejectsUnknownMode(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodPost, "/sessions", map[string]string{"mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

type switchModeResult struct {
	Session struct {
		CurrentMode    string `json:"current_mode"`
		ManualOverride string `json:"manual_override"`
	} `json:"session"`
	From             string `json:"from"`
	To               string `json:"to"`
	Switched         bool   `json:"switched"`
	CheckpointID     string `json:"checkpoint_id"`
	ContextPreserved bool   `json:"context_preserved"`
}

func TestSwitchModeEndpoint(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("chat")
	require.NoError(t, err)

	// "mode" is accepted as an alias for "target_mode".
	rec, env := a.do(t, http.MethodPost, "/sessions/"+session.ID+"/switch-mode",
		map[string]any{"mode": "workflow", "pin": true})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var got switchModeResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.True(t, got.Switched)
	assert.Equal(t, "workflow", got.Session.CurrentMode)
	assert.Equal(t, "workflow", got.Session.ManualOverride)
	assert.NotEmpty(t, got.CheckpointID)
	assert.True(t, got.ContextPreserved)

	rec, _ = a.do(t, http.MethodDelete, "/sessions/"+session.ID+"/override", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSwitchModeEndpointRoundTrip(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("chat")
	require.NoError(t, err)

	// Build up some chat state first so the switch has context to keep.
	rec, _ := a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "how is the cluster?"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec, env := a.do(t, http.MethodPost, "/sessions/"+session.ID+"/switch-mode", map[string]any{
		"target_mode":       "workflow",
		"preserve_context":  true,
		"create_checkpoint": true,
		"reason":            "deployment plan incoming",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var got switchModeResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "chat", got.From)
	assert.Equal(t, "workflow", got.To)
	assert.Equal(t, "workflow", got.Session.CurrentMode)
	assert.True(t, got.ContextPreserved)
	require.NotEmpty(t, got.CheckpointID)

	// The checkpoint records the pre-switch mode.
	rec, env = a.do(t, http.MethodGet, "/checkpoints/"+got.CheckpointID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cp struct {
		Type          string            `json:"type"`
		ExecutionMode string            `json:"execution_mode"`
		Metadata      map[string]string `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cp))
	assert.Equal(t, "mode_switch", cp.Type)
	assert.Equal(t, "chat", cp.ExecutionMode)
	assert.Equal(t, "deployment plan incoming", cp.Metadata["reason"])

	// Restoring it returns the session to the pre-switch mode.
	rec, _ = a.do(t, http.MethodPost, "/checkpoints/"+got.CheckpointID+"/restore",
		map[string]string{"mode": "full"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = a.do(t, http.MethodGet, "/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var restored struct {
		CurrentMode string `json:"current_mode"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &restored))
	assert.Equal(t, "chat", restored.CurrentMode)
}

func TestExecuteEndpointValidation(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodPost, "/execute", map[string]string{"session_id": "s", "input": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, env = a.do(t, http.MethodPost, "/execute", map[string]string{"session_id": "missing", "input": "run build"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestExecuteEndpointCreatesSessionWhenOmitted(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodPost, "/execute", map[string]string{"input": "run build", "mode": "workflow"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var result struct {
		Outcome   string `json:"outcome"`
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "completed", result.Outcome)
	assert.Equal(t, "workflow", result.Mode)
	require.NotEmpty(t, result.SessionID)

	rec, _ = a.do(t, http.MethodGet, "/sessions/"+result.SessionID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteEndpointCompletes(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("workflow")
	require.NoError(t, err)

	rec, env := a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "run build"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var result struct {
		Outcome string `json:"outcome"`
		RunID   string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "completed", result.Outcome)
	assert.NotEmpty(t, result.RunID)
}

func TestExecuteEndpointSuspendsWith202(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("workflow")
	require.NoError(t, err)

	rec, env := a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "run rm -rf /var/data"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result struct {
		Outcome    string `json:"outcome"`
		ApprovalID string `json:"approval_id"`
		RunID      string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "suspended", result.Outcome)
	require.NotEmpty(t, result.ApprovalID)

	// A second execute on the busy session conflicts.
	rec, env = a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "run build"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_BUSY", env.Error.Code)

	// Approve through the API and watch the run finish.
	rec, _ = a.do(t, http.MethodPost, "/approvals/"+result.ApprovalID+"/decision",
		map[string]any{"approve": true, "actor": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		run, err := a.deps.Runs.Get(result.RunID)
		return err == nil && run.State == scheduler.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDecisionValidation(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodPost, "/approvals/ap-1/decision",
		map[string]any{"approve": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, env = a.do(t, http.MethodPost, "/approvals/missing/decision",
		map[string]any{"approve": true, "actor": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestListApprovalsStatusFilter(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("workflow")
	require.NoError(t, err)

	_, env := a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "run rm -rf /var/data"})
	var result struct {
		RunID      string `json:"run_id"`
		ApprovalID string `json:"approval_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.NotEmpty(t, result.ApprovalID)

	rec, env := a.do(t, http.MethodGet, "/approvals?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	var list []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	rec, env = a.do(t, http.MethodGet, "/approvals?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, result.ApprovalID, list[0].ID)

	rec, _ = a.do(t, http.MethodPost, "/approvals/"+result.ApprovalID+"/decision",
		map[string]any{"approve": true, "actor": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = a.do(t, http.MethodGet, "/approvals?status=approved&session_id="+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "approved", list[0].Status)

	rec, env = a.do(t, http.MethodGet, "/approvals?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Empty(t, list)

	require.Eventually(t, func() bool {
		run, err := a.deps.Runs.Get(result.RunID)
		return err == nil && run.State == scheduler.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRiskAssessEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, http.MethodPost, "/risk/assess", map[string]any{
		"operation": "shell",
		"arguments": "rm -rf /var/data",
		"context":   map[string]any{"environment": "production"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		OverallLevel     string `json:"overall_level"`
		RequiresApproval bool   `json:"requires_approval"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "critical", result.OverallLevel)
	assert.True(t, result.RequiresApproval)

	rec, env = a.do(t, http.MethodPost, "/risk/assess", map[string]any{"arguments": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestThreadStateEndpoints(t *testing.T) {
	a := newTestAPI(t)

	// Fresh thread starts at version 0 with an empty document.
	rec, env := a.do(t, http.MethodGet, "/threads/t1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		State   json.RawMessage `json:"state"`
		Version int             `json:"version"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, 0, state.Version)

	rec, _ = a.do(t, http.MethodPut, "/threads/t1/state", map[string]any{
		"base_version": 0,
		"state":        map[string]any{"plan": "deploy"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = a.do(t, http.MethodPatch, "/threads/t1/state", map[string]any{
		"base_version": 1,
		"ops":          []map[string]any{{"op": "replace", "path": "/plan", "value": "ship"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, 2, state.Version)
	assert.JSONEq(t, `{"plan":"ship"}`, string(state.State))
}

func TestThreadStateStaleVersionConflicts(t *testing.T) {
	a := newTestAPI(t)

	rec, _ := a.do(t, http.MethodPut, "/threads/t1/state", map[string]any{
		"base_version": 0,
		"state":        map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := a.do(t, http.MethodPatch, "/threads/t1/state", map[string]any{
		"base_version": 0,
		"ops":          []map[string]any{{"op": "replace", "path": "/n", "value": 2}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "VERSION_CONFLICT", env.Error.Code)
	assert.EqualValues(t, 1, env.Error.Details["current_version"])
}

func TestCheckpointEndpoints(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("workflow")
	require.NoError(t, err)

	rec, env := a.do(t, http.MethodPost, "/checkpoints",
		map[string]any{"session_id": session.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	var cp struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cp))
	assert.Equal(t, "manual", cp.Type)

	rec, _ = a.do(t, http.MethodGet, "/checkpoints/"+cp.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodGet, "/sessions/"+session.ID+"/checkpoints", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = a.do(t, http.MethodPost, "/checkpoints/"+cp.ID+"/restore",
		map[string]string{"mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, _ = a.do(t, http.MethodPost, "/checkpoints/"+cp.ID+"/restore",
		map[string]string{"mode": "full"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodDelete, "/checkpoints/"+cp.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Restoring a deleted checkpoint is gone.
	rec, env = a.do(t, http.MethodPost, "/checkpoints/"+cp.ID+"/restore",
		map[string]string{"mode": "full"})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "CHECKPOINT_EXPIRED", env.Error.Code)
}

func TestRunEndpoints(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("workflow")
	require.NoError(t, err)

	_, env := a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "run build"})
	var result struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))

	rec, _ := a.do(t, http.MethodGet, "/runs/"+result.RunID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodGet, "/runs?session_id="+session.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = a.do(t, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestCancelSessionRun(t *testing.T) {
	a := newTestAPI(t)
	session, err := a.db.CreateSession("workflow")
	require.NoError(t, err)

	// Nothing running yet.
	rec, env := a.do(t, http.MethodPost, "/sessions/"+session.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	// Suspend a run on an approval, then cancel it through the session.
	_, env = a.do(t, http.MethodPost, "/execute",
		map[string]string{"session_id": session.ID, "input": "run rm -rf /var/data"})
	var result struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))

	rec, env = a.do(t, http.MethodPost, "/sessions/"+session.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, result.RunID, run.ID)
	assert.Equal(t, "cancelled", run.State)
}
