package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/bridge"
	"conductor/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection subscribed to a thread's events (or
// the firehose when no thread is given).
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	threadID string
	events   chan bridge.Event

	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS upgrades the request and streams events until either side closes.
// The thread_id query parameter scopes the subscription; absent, the client
// receives events from all threads.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		threadID = bridge.FirehoseID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		threadID: threadID,
		events:   h.broker.Subscribe(threadID),
		done:     make(chan struct{}),
	}

	if !h.add(client) {
		client.close()
		return
	}

	logger.Debug().Str("thread_id", threadID).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	go client.writePump()
	go client.readPump()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.broker.Unsubscribe(c.threadID, c.events)
		c.conn.Close()
		c.hub.remove(c)
	})
}

// inboundCommand is a client-to-server frame: an approval decision or a
// shared-state patch.
type inboundCommand struct {
	Type        string           `json:"type"`
	RequestID   string           `json:"request_id,omitempty"`
	Approve     bool             `json:"approve,omitempty"`
	Actor       string           `json:"actor,omitempty"`
	Comment     string           `json:"comment,omitempty"`
	ThreadID    string           `json:"thread_id,omitempty"`
	BaseVersion int              `json:"base_version,omitempty"`
	Ops         []bridge.PatchOp `json:"ops,omitempty"`
}

// readPump processes pongs, detects disconnects, and dispatches inbound
// command frames. Command outcomes reach the client through the event
// stream, not as direct replies.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 || c.hub.commands == nil {
			continue
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Debug().Err(err).Msg("Ignoring malformed WebSocket frame")
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd inboundCommand) {
	switch cmd.Type {
	case "approval_decision":
		if err := c.hub.commands.DecideApproval(cmd.RequestID, cmd.Approve, cmd.Actor, cmd.Comment); err != nil {
			logger.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("WebSocket approval decision failed")
		}

	case "state_patch":
		threadID := cmd.ThreadID
		if threadID == "" {
			threadID = c.threadID
		}
		if err := c.hub.commands.PatchThreadState(threadID, cmd.Ops, cmd.BaseVersion); err != nil {
			logger.Warn().Err(err).Str("thread_id", threadID).Msg("WebSocket state patch failed")
		}

	default:
		logger.Debug().Str("type", cmd.Type).Msg("Unknown WebSocket command")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
