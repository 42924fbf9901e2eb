// Package websocket streams AG-UI events to WebSocket clients.
package websocket

import (
	"sync"

	"conductor/internal/bridge"
	"conductor/pkg/logger"
)

// Commander handles inbound client commands. Outcomes flow back to clients
// as regular broker events (APPROVAL_RESOLVED, STATE_DELTA), so command
// handlers only report errors.
type Commander interface {
	DecideApproval(requestID string, approve bool, actor, comment string) error
	PatchThreadState(threadID string, ops []bridge.PatchOp, baseVersion int) error
}

// Hub tracks connected clients and owns their broker subscriptions.
type Hub struct {
	broker   *bridge.Broker
	commands Commander

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates a hub over the given broker. commands may be nil, in which
// case inbound frames are ignored.
func NewHub(broker *bridge.Broker, commands Commander) *Hub {
	return &Hub{
		broker:   broker,
		commands: commands,
		clients:  make(map[*Client]struct{}),
	}
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	logger.Info().Int("clients", len(clients)).Msg("WebSocket hub closed")
}
