package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 5 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	maxInbound    = 1 << 20
)

// InputFunc delivers text typed in a terminal to the task's run.
type InputFunc func(ctx context.Context, taskID int64, text string) error

// inbound is a client to server message.
type inbound struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Hub serves terminal websockets on top of a Broker.
type Hub struct {
	Broker *Broker
	Input  InputFunc

	upgrader websocket.Upgrader
}

// NewHub returns a hub streaming from b. input may be nil, in which case
// inbound input is ignored.
func NewHub(b *Broker, input InputFunc) *Hub {
	return &Hub{
		Broker: b,
		Input:  input,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams sub until it is closed or the
// client goes away. sub must come from h.Broker.Subscribe(taskID) or Closed.
// The caller has already authorized the request. Serve returns when the
// connection is closed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, taskID int64, sub *Sub) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		slog.Warn("websocket upgrade failed", "task", taskID, "err", err)
		h.Broker.Unsubscribe(taskID, sub)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		taskID: taskID,
		conn:   conn,
		hub:    h,
		sub:    sub,
	}
	slog.Info("terminal connected", "task", taskID, "client", c.id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(context.WithoutCancel(r.Context()))
	// Wakes up writePump if it is still waiting for frames.
	h.Broker.Unsubscribe(taskID, sub)
	<-done
	slog.Info("terminal disconnected", "task", taskID, "client", c.id)
}

type client struct {
	id     string
	taskID int64
	conn   *websocket.Conn
	hub    *Hub
	sub    *Sub
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read", "client", c.id, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Warn("websocket message", "client", c.id, "err", err)
			continue
		}
		switch msg.Type {
		case "input":
			if c.hub.Input == nil {
				continue
			}
			if err := c.hub.Input(ctx, c.taskID, msg.Data); err != nil {
				slog.Warn("terminal input", "task", c.taskID, "client", c.id, "err", err)
			}
		case "resize":
			// Runs are not attached to a pty.
		default:
			slog.Warn("websocket message", "client", c.id, "type", msg.Type)
		}
	}
}

// writePump is the only writer on conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.sub.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				slog.Error("marshal frame", "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
