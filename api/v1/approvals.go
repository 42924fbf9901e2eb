package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"conductor/internal/approval"
	"conductor/internal/gateway/handlers"
)

func (a *api) listApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "unknown approval status "+strconv.Quote(string(status)))
		return
	}

	list := a.Approvals.List(approval.ListFilter{
		SessionID:   r.URL.Query().Get("session_id"),
		ExecutionID: r.URL.Query().Get("execution_id"),
		Status:      status,
	})
	handlers.SendJSON(w, http.StatusOK, list)
}

func (a *api) getApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := a.Approvals.Get(mux.Vars(r)["id"])
	if !ok {
		handlers.SendMappedError(w, approval.ErrNotFound)
		return
	}
	handlers.SendJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty"`
}

func (a *api) decideApproval(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if req.Actor == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "actor is required")
		return
	}

	resolved, err := a.Orchestrator.ResolveApproval(mux.Vars(r)["id"], req.Approve, req.Actor, req.Comment)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, resolved)
}

type cancelApprovalRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (a *api) cancelApproval(w http.ResponseWriter, r *http.Request) {
	var req cancelApprovalRequest
	if r.ContentLength > 0 {
		if err := handlers.DecodeJSON(r, &req); err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
			return
		}
	}

	if err := a.Approvals.Cancel(mux.Vars(r)["id"], req.Actor, req.Reason); err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (a *api) approvalAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := a.DB.GetAuditTrail(mux.Vars(r)["id"])
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, trail)
}
