package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"conductor/internal/bridge"
	"conductor/internal/gateway/handlers"
)

type threadStateResponse struct {
	ThreadID string          `json:"thread_id"`
	State    json.RawMessage `json:"state"`
	Version  int             `json:"version"`
}

func (a *api) getThreadState(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]

	doc, version, err := a.State.Get(threadID)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, threadStateResponse{ThreadID: threadID, State: doc, Version: version})
}

type patchStateRequest struct {
	BaseVersion int              `json:"base_version"`
	Ops         []bridge.PatchOp `json:"ops"`
}

func (a *api) patchThreadState(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]

	var req patchStateRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if len(req.Ops) == 0 {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "ops must not be empty")
		return
	}
	if req.BaseVersion < 0 {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "base_version must be >= 0")
		return
	}

	doc, version, err := a.State.Patch(threadID, req.Ops, req.BaseVersion)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, threadStateResponse{ThreadID: threadID, State: doc, Version: version})
}

type putStateRequest struct {
	BaseVersion int             `json:"base_version"`
	State       json.RawMessage `json:"state"`
}

func (a *api) putThreadState(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]

	var req putStateRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if len(req.State) == 0 {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "state is required")
		return
	}

	version, err := a.State.Snapshot(threadID, req.State, req.BaseVersion)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, threadStateResponse{ThreadID: threadID, State: req.State, Version: version})
}
