package v1

import (
	"net/http"

	"conductor/internal/gateway/handlers"
	"conductor/internal/risk"
)

type assessRequest struct {
	Operation string         `json:"operation"`
	Arguments string         `json:"arguments,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (a *api) assessRisk(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if req.Operation == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "operation is required")
		return
	}

	assessment := a.Risk.Assess(risk.Operation{
		Name:      req.Operation,
		Arguments: req.Arguments,
		SessionID: req.SessionID,
	}, req.Context)

	handlers.SendJSON(w, http.StatusOK, assessment)
}
