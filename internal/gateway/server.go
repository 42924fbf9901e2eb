// Package gateway hosts the coordinator's HTTP surface: the REST API, the
// SSE event streams, and the WebSocket endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	v1 "conductor/api/v1"
	"conductor/internal/bridge"
	"conductor/internal/gateway/middleware"
	ws "conductor/internal/gateway/websocket"
	"conductor/pkg/logger"
)

// Server is the HTTP gateway.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	addr       string
}

// Config configures the gateway.
type Config struct {
	Host string
	Port int
}

// commandAdapter routes inbound WebSocket commands to the orchestrator and
// the shared state layer.
type commandAdapter struct {
	deps v1.Deps
}

func (a commandAdapter) DecideApproval(requestID string, approve bool, actor, comment string) error {
	_, err := a.deps.Orchestrator.ResolveApproval(requestID, approve, actor, comment)
	return err
}

func (a commandAdapter) PatchThreadState(threadID string, ops []bridge.PatchOp, baseVersion int) error {
	_, _, err := a.deps.State.Patch(threadID, ops, baseVersion)
	return err
}

// NewServer builds the router and mounts all endpoints.
func NewServer(cfg Config, deps v1.Deps) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	hub := ws.NewHub(deps.Broker, commandAdapter{deps})

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	v1.RegisterRoutes(apiRouter, deps)

	router.HandleFunc("/ws", hub.ServeWS)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:  hub,
		addr: addr,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.addr).Msg("Gateway listening")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}
