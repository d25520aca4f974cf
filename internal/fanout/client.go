package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sendTimeout bounds each write to a client. A consumer that cannot drain
// its socket within this window is disconnected rather than allowed to
// stall the broadcast path.
const sendTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn the hub writes through. Tests
// substitute an in-memory implementation.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one websocket consumer registered with the hub.
// gorilla/websocket does not support concurrent writers, so every write
// goes through the client's mutex.
type Client struct {
	ID string

	conn Conn
	mu   sync.Mutex

	// Filter state, guarded by the hub's lock.
	workflows    map[string]struct{}
	subscribeAll bool
}

func newClient(conn Conn) *Client {
	return &Client{
		ID:        uuid.New().String(),
		conn:      conn,
		workflows: make(map[string]struct{}),
	}
}

// Send writes one frame with the per-client deadline.
func (c *Client) Send(v any) error {
	return c.send(v)
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// close tears down the underlying connection.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close()
}
