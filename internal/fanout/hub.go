// Package fanout maintains the set of connected websocket clients and
// broadcasts workflow events to them with per-workflow filtering.
package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/workflow"
)

// Frame is the wire envelope for server-to-client messages.
type Frame struct {
	Type         string `json:"type"`
	Payload      any    `json:"payload,omitempty"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	Count        int    `json:"count,omitempty"`
	LastSequence int64  `json:"last_sequence,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Frame types.
const (
	FrameConnected        = "connected"
	FrameEvent            = "event"
	FrameStream           = "stream"
	FramePing             = "ping"
	FrameBackfillComplete = "backfill_complete"
	FrameBackfillExpired  = "backfill_expired"
	FrameError            = "error"
)

// Hub tracks connected clients and their subscription filters. A single
// mutex guards both so a broadcast sees a consistent snapshot of who wants
// what.
type Hub struct {
	events workflow.EventRepository

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a Hub. The event repository serves reconnect backfills.
func NewHub(events workflow.EventRepository) *Hub {
	return &Hub{
		events:  events,
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a connection and greets it with a connected frame carrying
// the client id.
func (h *Hub) Register(conn Conn) *Client {
	c := newClient(conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	log.Info(log.CatFanout, "client connected", "client", c.ID, "clients", n)
	if err := c.send(Frame{Type: FrameConnected, Payload: map[string]string{"client_id": c.ID}}); err != nil {
		h.Unregister(c)
		return nil
	}
	return c
}

// Unregister removes a client and closes its connection. Safe to call for
// clients already removed.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		log.Info(log.CatFanout, "client disconnected", "client", c.ID, "clients", n)
	}
}

// Subscribe adds a workflow to the client's filter.
func (h *Hub) Subscribe(c *Client, id workflow.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.workflows[string(id)] = struct{}{}
}

// Unsubscribe removes a workflow from the client's filter.
func (h *Hub) Unsubscribe(c *Client, id workflow.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.workflows, string(id))
}

// SubscribeAll makes the client receive events for every workflow.
func (h *Hub) SubscribeAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.subscribeAll = true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers a persisted event to every client whose filter matches
// the event's workflow. Clients that fail or time out on the write are
// disconnected so one slow consumer cannot hold up the rest.
func (h *Hub) Broadcast(e *workflow.Event) {
	frame := frameFor(e)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribeAll || hasWorkflow(c, e.WorkflowID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.sendAll(targets, frame)
}

// BroadcastStream delivers a stream event. Trace-level traffic goes to
// every connection regardless of filters; the rest follows the same
// filtering and domain framing as persisted events.
func (h *Hub) BroadcastStream(e workflow.StreamEvent) {
	var frame any = Frame{Type: FrameStream, Payload: e, WorkflowID: string(e.WorkflowID)}
	if e.Domain == workflow.DomainBrainstorm {
		frame = e
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if workflow.LevelFor(e.Type) == workflow.LevelTrace ||
			c.subscribeAll || hasWorkflow(c, e.WorkflowID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.sendAll(targets, frame)
}

// backfillPageSize bounds each replay query. Backfills page through the
// log so one huge gap never produces one huge result set.
const backfillPageSize = 200

// Backfill replays the persisted events a reconnecting client missed. The
// cursor is the id of the last event the client saw; an unknown id (a
// cursor from a previous database lifetime) gets a backfill_expired frame
// and the client must refetch state over REST. An empty cursor replays the
// whole log.
func (h *Hub) Backfill(ctx context.Context, c *Client, id workflow.ID, sinceEventID string) error {
	var after int64
	if sinceEventID != "" {
		seq, err := h.events.EventSequence(ctx, id, sinceEventID)
		if errors.Is(err, workflow.ErrNotFound) {
			return c.send(Frame{
				Type:       FrameBackfillExpired,
				WorkflowID: string(id),
				Error:      "event no longer known, refresh required",
			})
		}
		if err != nil {
			return err
		}
		after = seq
	}

	count := 0
	last := after
	for {
		events, err := h.events.EventsAfter(ctx, id, last, backfillPageSize)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := c.send(frameFor(e)); err != nil {
				return err
			}
			last = e.Sequence
			count++
		}
		if len(events) < backfillPageSize {
			break
		}
	}
	return c.send(Frame{
		Type:         FrameBackfillComplete,
		WorkflowID:   string(id),
		Count:        count,
		LastSequence: last,
	})
}

// CloseAll disconnects every client. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// sendAll delivers one frame to every target concurrently, so a slow
// client costs at most its own send timeout instead of stalling the rest
// of the fleet behind it.
func (h *Hub) sendAll(targets []*Client, frame any) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*Client
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.send(frame); err != nil {
				log.Warn(log.CatFanout, "dropping slow client", "client", c.ID, "error", err.Error())
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	for _, c := range failed {
		h.Unregister(c)
	}
}

func hasWorkflow(c *Client, id workflow.ID) bool {
	_, ok := c.workflows[string(id)]
	return ok
}

// frameFor wraps a persisted event for the wire. Brainstorm-domain events
// go out flat, matching their separate client protocol.
func frameFor(e *workflow.Event) any {
	if e.Domain == workflow.DomainBrainstorm {
		return e
	}
	return Frame{Type: FrameEvent, Payload: e, WorkflowID: string(e.WorkflowID)}
}
