package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"conductor/internal/checkpoint"
	"conductor/internal/gateway/handlers"
)

type createCheckpointRequest struct {
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (a *api) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req createCheckpointRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if req.SessionID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "session_id is required")
		return
	}

	cp, err := a.Orchestrator.CheckpointNow(req.SessionID, req.Metadata)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusCreated, cp)
}

func (a *api) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := a.Checkpoints.Get(mux.Vars(r)["id"], false)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, cp)
}

func (a *api) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	checkpoints, err := a.Checkpoints.List(mux.Vars(r)["id"], checkpoint.ListFilter{
		Type:   checkpoint.Type(q.Get("type")),
		Status: checkpoint.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, checkpoints)
}

type restoreRequest struct {
	Mode            string `json:"mode,omitempty"`
	TargetSessionID string `json:"target_session_id,omitempty"`
}

func (a *api) restoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if r.ContentLength > 0 {
		if err := handlers.DecodeJSON(r, &req); err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
			return
		}
	}

	mode := checkpoint.RestoreFull
	if req.Mode != "" {
		mode = checkpoint.RestoreMode(req.Mode)
		switch mode {
		case checkpoint.RestoreFull, checkpoint.RestoreMAFOnly, checkpoint.RestoreClaudeOnly:
		default:
			handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "invalid restore mode")
			return
		}
	}

	result, err := a.Checkpoints.Restore(mux.Vars(r)["id"], mode, req.TargetSessionID)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, result)
}

func (a *api) deleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := a.Checkpoints.Delete(mux.Vars(r)["id"]); err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
