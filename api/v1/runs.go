package v1

import (
	"net/http"

	"github.com/gorilla/mux"

	"conductor/internal/engine"
	"conductor/internal/gateway/handlers"
)

func engineMode(s string) engine.Mode {
	return engine.Mode(s)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := a.Runs.List(r.URL.Query().Get("session_id"))
	handlers.SendJSON(w, http.StatusOK, runs)
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.Runs.Get(mux.Vars(r)["id"])
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, run)
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Orchestrator.CancelRun(id); err != nil {
		handlers.SendMappedError(w, err)
		return
	}

	run, err := a.Runs.Get(id)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, run)
}

// cancelSessionRun cancels the session's active run, if any.
func (a *api) cancelSessionRun(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	active, ok := a.Runs.ActiveRun(sessionID)
	if !ok {
		handlers.SendError(w, http.StatusNotFound, handlers.CodeNotFound, "session has no active run")
		return
	}

	if err := a.Orchestrator.CancelRun(active.ID); err != nil {
		handlers.SendMappedError(w, err)
		return
	}

	run, err := a.Runs.Get(active.ID)
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, run)
}
