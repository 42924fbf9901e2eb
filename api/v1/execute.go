package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"conductor/internal/bridge"
	"conductor/internal/engine"
	"conductor/internal/gateway/handlers"
	"conductor/internal/orchestrator"
	"conductor/pkg/logger"
)

type executeRequest struct {
	SessionID string         `json:"session_id"`
	Input     string         `json:"input"`
	Mode      string         `json:"mode,omitempty"`
	Approvers []string       `json:"approvers,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

func (req *executeRequest) toDomain() orchestrator.ExecuteRequest {
	return orchestrator.ExecuteRequest{
		SessionID: req.SessionID,
		Input:     req.Input,
		Mode:      engineMode(req.Mode),
		Approvers: req.Approvers,
		Context:   req.Context,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	}
}

func (a *api) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if req.Input == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "input is required")
		return
	}

	// session_id is optional: the orchestrator creates a session for a
	// first message and reports its id in the result.
	result, err := a.Orchestrator.Execute(r.Context(), req.toDomain())
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}

	status := http.StatusOK
	switch {
	case result.Outcome == orchestrator.OutcomeSuspended:
		status = http.StatusAccepted
	case result.ErrorCode == "EXECUTION_TIMEOUT":
		status = http.StatusRequestTimeout
	}
	handlers.SendJSON(w, status, result)
}

// executeStream runs a turn and streams its AG-UI events as SSE until the
// run's terminal event. A suspension does not end the stream: approval
// events and the post-resume tail flow over the same connection.
func (a *api) executeStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, err.Error())
		return
	}
	if req.Input == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.CodeValidation, "input is required")
		return
	}

	// The stream subscribes by session, so a missing session is created
	// here before the run starts.
	if req.SessionID == "" {
		mode := engine.ModeChat
		if parsed := engineMode(req.Mode); parsed.Valid() {
			mode = parsed
		}
		session, err := a.DB.CreateSession(string(mode))
		if err != nil {
			handlers.SendMappedError(w, err)
			return
		}
		req.SessionID = session.ID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.SendError(w, http.StatusInternalServerError, handlers.CodeInternal, "streaming unsupported")
		return
	}

	// Subscribe before starting the run so no events are missed.
	events := a.Broker.Subscribe(req.SessionID)
	defer a.Broker.Unsubscribe(req.SessionID, events)

	result, err := a.Orchestrator.Execute(r.Context(), req.toDomain())
	if err != nil {
		handlers.SendMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.RunID != "" && ev.RunID != result.RunID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				logger.Debug().Err(err).Msg("SSE client went away")
				return
			}
			flusher.Flush()

			if ev.Terminal() && ev.RunID == result.RunID {
				return
			}
		}
	}
}

// streamEvents streams a session's live event feed as SSE.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.SendError(w, http.StatusInternalServerError, handlers.CodeInternal, "streaming unsupported")
		return
	}

	events := a.Broker.Subscribe(sessionID)
	defer a.Broker.Unsubscribe(sessionID, events)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev bridge.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
