package realtime

import (
	"sync"

	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"

	"github.com/coder/websocket"
)

// Client is one authenticated websocket connection.
//
// Send is never closed by the server; broadcasters may still hold a reference after shutdown.
// Close is idempotent.
type Client struct {
	ID          string
	PrincipalID string
	Role        string

	// AccessFingerprint identifies the credential the connection was opened with.
	AccessFingerprint string

	Send chan proto.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	kickFn func(code websocket.StatusCode, reason string)
}

func NewClient(id, principalID, role, accessFP string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:                id,
		PrincipalID:       principalID,
		Role:              role,
		AccessFingerprint: accessFP,
		Send:              make(chan proto.Envelope, sendQueueSize),
		done:              make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) setKick(fn func(code websocket.StatusCode, reason string)) {
	c.mu.Lock()
	c.kickFn = fn
	c.mu.Unlock()
}

// Kick closes the underlying connection with the given status.
func (c *Client) Kick(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	fn := c.kickFn
	c.mu.Unlock()
	if fn != nil {
		fn(code, reason)
		return
	}
	c.Close()
}

// enqueue never blocks; a full queue drops the envelope.
func (c *Client) enqueue(env proto.Envelope) bool {
	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
