// Package handlers provides the shared HTTP response envelope and error
// mapping for the gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"conductor/internal/approval"
	"conductor/internal/checkpoint"
	"conductor/internal/orchestrator"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
	"conductor/pkg/logger"
)

// Error codes exposed on the wire.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeSessionBusy      = "SESSION_BUSY"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeCheckpointGone   = "CHECKPOINT_EXPIRED"
	CodeCheckpointSize   = "CHECKPOINT_TOO_LARGE"
	CodeAlreadyProcessed = "APPROVAL_ALREADY_PROCESSED"
	CodeNotApprover      = "NOT_APPROVER"
	CodeTooManyPending   = "MAX_PENDING_EXCEEDED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Response is the uniform API envelope.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a machine-readable code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// SendJSON writes a success envelope.
func SendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// SendError writes an error envelope.
func SendError(w http.ResponseWriter, status int, code, message string) {
	SendErrorDetails(w, status, code, message, nil)
}

// SendErrorDetails writes an error envelope with structured details.
func SendErrorDetails(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := Response{Success: false, Error: &ErrorBody{Code: code, Message: message, Details: details}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode error response")
	}
}

// SendMappedError maps domain errors to their HTTP status and wire code.
func SendMappedError(w http.ResponseWriter, err error) {
	var conflict *storage.ErrVersionConflict
	if errors.As(err, &conflict) {
		SendErrorDetails(w, http.StatusConflict, CodeVersionConflict, err.Error(),
			map[string]any{"current_version": conflict.CurrentVersion})
		return
	}

	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, scheduler.ErrRunNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound):
		SendError(w, http.StatusNotFound, CodeNotFound, err.Error())

	case errors.Is(err, scheduler.ErrSessionBusy):
		SendError(w, http.StatusConflict, CodeSessionBusy, err.Error())

	case errors.Is(err, approval.ErrAlreadyProcessed):
		SendError(w, http.StatusConflict, CodeAlreadyProcessed, err.Error())

	case errors.Is(err, approval.ErrNotApprover):
		SendError(w, http.StatusForbidden, CodeNotApprover, err.Error())

	case errors.Is(err, approval.ErrMaxPendingExceeded):
		SendError(w, http.StatusTooManyRequests, CodeTooManyPending, err.Error())

	case errors.Is(err, checkpoint.ErrExpired):
		SendError(w, http.StatusGone, CodeCheckpointGone, err.Error())

	case errors.Is(err, checkpoint.ErrTooLarge):
		SendError(w, http.StatusRequestEntityTooLarge, CodeCheckpointSize, err.Error())

	case errors.Is(err, orchestrator.ErrUnknownMode):
		SendError(w, http.StatusBadRequest, CodeValidation, err.Error())

	default:
		logger.Error().Err(err).Msg("Request failed")
		SendError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
