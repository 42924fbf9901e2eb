// Package v1 implements the coordinator's REST API.
package v1

import (
	"net/http"

	"github.com/gorilla/mux"

	"conductor/internal/approval"
	"conductor/internal/bridge"
	"conductor/internal/checkpoint"
	"conductor/internal/gateway/handlers"
	"conductor/internal/orchestrator"
	"conductor/internal/risk"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
)

// Deps wires the API handlers to their collaborators.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	DB           *storage.DB
	Risk         *risk.Engine
	Approvals    *approval.Controller
	Checkpoints  *checkpoint.Store
	Runs         *scheduler.Registry
	State        *bridge.SharedState
	Broker       *bridge.Broker
	Version      string
}

// RegisterRoutes mounts all v1 endpoints on the router.
func RegisterRoutes(r *mux.Router, deps Deps) {
	a := &api{deps}

	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.HandleFunc("/version", a.version).Methods(http.MethodGet)

	r.HandleFunc("/sessions", a.createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", a.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", a.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", a.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/switch-mode", a.switchMode).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/override", a.clearOverride).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/events", a.streamEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/checkpoints", a.listCheckpoints).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/cancel", a.cancelSessionRun).Methods(http.MethodPost)

	r.HandleFunc("/execute", a.execute).Methods(http.MethodPost)
	r.HandleFunc("/execute/stream", a.executeStream).Methods(http.MethodPost)

	r.HandleFunc("/runs", a.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", a.getRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", a.cancelRun).Methods(http.MethodPost)

	r.HandleFunc("/risk/assess", a.assessRisk).Methods(http.MethodPost)

	r.HandleFunc("/approvals", a.listApprovals).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{id}", a.getApproval).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{id}/decision", a.decideApproval).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/cancel", a.cancelApproval).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/audit", a.approvalAudit).Methods(http.MethodGet)

	r.HandleFunc("/checkpoints", a.createCheckpoint).Methods(http.MethodPost)
	r.HandleFunc("/checkpoints/{id}", a.getCheckpoint).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints/{id}", a.deleteCheckpoint).Methods(http.MethodDelete)
	r.HandleFunc("/checkpoints/{id}/restore", a.restoreCheckpoint).Methods(http.MethodPost)

	r.HandleFunc("/threads/{id}/state", a.getThreadState).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/state", a.patchThreadState).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}/state", a.putThreadState).Methods(http.MethodPut)
}

type api struct {
	Deps
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	handlers.SendJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"pending_approvals": a.Approvals.PendingCount(),
	})
}

func (a *api) version(w http.ResponseWriter, r *http.Request) {
	handlers.SendJSON(w, http.StatusOK, map[string]string{"version": a.Version})
}
