package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"conductor/internal/engine"
	"conductor/internal/gateway/handlers"
	"conductor/internal/orchestrator"
)

type createSessionRequest struct {
	Mode string `json:"mode,omitempty"`
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := handlers.DecodeJSON(r, &req); err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
			return
		}
	}

	mode := engine.ModeChat
	if req.Mode != "" {
		parsed, err := engine.ParseMode(req.Mode)
		if err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
			return
		}
		mode = parsed
	}

	session, err := a.DB.CreateSession(string(mode))
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusCreated, session)
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, err := a.DB.ListSessions(limit, offset)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, sessions)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.DB.GetSession(mux.Vars(r)["id"])
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, session)
}

func (a *api) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.DB.DeleteSession(mux.Vars(r)["id"]); err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type switchModeRequest struct {
	// target_mode is the canonical field; mode is accepted as an alias.
	TargetMode string `json:"target_mode,omitempty"`
	Mode       string `json:"mode,omitempty"`

	Pin              bool   `json:"pin,omitempty"`
	PreserveContext  *bool  `json:"preserve_context,omitempty"`
	CreateCheckpoint *bool  `json:"create_checkpoint,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func (a *api) switchMode(w http.ResponseWriter, r *http.Request) {
	var req switchModeRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}

	target := req.TargetMode
	if target == "" {
		target = req.Mode
	}
	mode, err := engine.ParseMode(target)
	if err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}

	domain := orchestrator.SwitchRequest{
		Mode:             mode,
		Pin:              req.Pin,
		PreserveContext:  true,
		CreateCheckpoint: true,
		Reason:           req.Reason,
	}
	if req.PreserveContext != nil {
		domain.PreserveContext = *req.PreserveContext
	}
	if req.CreateCheckpoint != nil {
		domain.CreateCheckpoint = *req.CreateCheckpoint
	}

	result, err := a.Orchestrator.SwitchMode(mux.Vars(r)["id"], domain)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, result)
}

func (a *api) clearOverride(w http.ResponseWriter, r *http.Request) {
	if err := a.Orchestrator.ClearOverride(mux.Vars(r)["id"]); err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
