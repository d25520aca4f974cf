package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/overseer/internal/fanout"
	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/workflow"
)

const (
	// pongWait bounds how long a connection may go silent before the read
	// loop gives up on it. Pings go out at a third of this interval.
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second

	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to localhost; browser clients connect through the
	// local UI which serves from arbitrary dev ports.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what connected clients send to manage their filters.
// Since carries the id of the last event the client saw; backfill resumes
// right after it.
type clientMessage struct {
	Type       string `json:"type"` // subscribe, unsubscribe, subscribe_all, pong
	WorkflowID string `json:"workflow_id,omitempty"`
	Since      string `json:"since,omitempty"`
}

// Websocket upgrades the connection and registers it with the fan-out hub.
// Query parameters workflow_id and since allow subscribing plus backfill in
// a single round trip; further filter changes arrive as client messages.
// GET /ws?workflow_id=&since=
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatAPI, "websocket upgrade failed", "error", err.Error())
		return
	}

	client := h.hub.Register(conn)
	if client == nil {
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if id := r.URL.Query().Get("workflow_id"); id != "" {
		since := r.URL.Query().Get("since")
		h.subscribeWithBackfill(r.Context(), client, workflow.ID(id), since)
	}

	done := make(chan struct{})
	go h.pingLoop(client, done)
	defer close(done)
	defer h.hub.Unregister(client)

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(log.CatAPI, "websocket read failed", "client", client.ID, "error", err.Error())
			}
			return
		}
		h.handleClientMessage(r.Context(), conn, client, msg)
	}
}

func (h *Handler) handleClientMessage(ctx context.Context, conn *websocket.Conn, c *fanout.Client, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.WorkflowID == "" {
			h.sendWSError(c, "subscribe requires workflow_id")
			return
		}
		h.subscribeWithBackfill(ctx, c, workflow.ID(msg.WorkflowID), msg.Since)
	case "unsubscribe":
		h.hub.Unsubscribe(c, workflow.ID(msg.WorkflowID))
	case "subscribe_all":
		h.hub.SubscribeAll(c)
	case "pong":
		// Some clients answer pings at the application level instead of
		// with control frames.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		h.sendWSError(c, "unknown message type "+msg.Type)
	}
}

// subscribeWithBackfill registers the filter first so no event falls in the
// gap between replay and live delivery; duplicates across the boundary are
// deduplicated client-side by sequence.
func (h *Handler) subscribeWithBackfill(ctx context.Context, c *fanout.Client, id workflow.ID, since string) {
	h.hub.Subscribe(c, id)
	if err := h.hub.Backfill(ctx, c, id, since); err != nil {
		log.Warn(log.CatAPI, "backfill failed", "workflow", id, "error", err.Error())
		h.sendWSError(c, "backfill failed")
	}
}

func (h *Handler) sendWSError(c *fanout.Client, msg string) {
	if err := c.Send(fanout.Frame{Type: fanout.FrameError, Error: msg}); err != nil {
		h.hub.Unregister(c)
	}
}

// pingLoop sends application-level ping frames; clients answer with a pong
// message that refreshes the read deadline.
func (h *Handler) pingLoop(c *fanout.Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(fanout.Frame{Type: fanout.FramePing}); err != nil {
				h.hub.Unregister(c)
				return
			}
		case <-done:
			return
		}
	}
}

// PumpStream forwards ephemeral stream events from the bus into the hub
// until ctx is cancelled. Run it as a goroutine next to the HTTP server.
func (h *Handler) PumpStream(ctx context.Context) {
	for ev := range h.bus.SubscribeStream(ctx) {
		h.hub.BroadcastStream(ev)
	}
}
