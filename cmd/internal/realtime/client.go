package realtime

import (
	"sync"

	v1 "courier/shared/contracts/realtime/v1"
)

// Client represents one authenticated websocket session.
//
// Design notes:
// - Send is NOT closed by the server, so concurrent routers can never panic on it.
// - done signals the session goroutines to stop.
// - Close is idempotent; the first reason wins.
type Client struct {
	SessionID string
	UserID    string
	Username  string
	Send      chan v1.Envelope

	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
// SessionID is set by the gateway, or by Registry.Register when left empty.
func NewClient(userID, username string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		UserID:   userID,
		Username: username,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() { c.CloseWithReason("") }

// CloseWithReason is Close recording why the session ended.
func (c *Client) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

// CloseReason is valid after Done is closed.
func (c *Client) CloseReason() string {
	select {
	case <-c.Done():
		return c.closeReason
	default:
		return ""
	}
}

// enqueue pushes env without blocking. It reports false when the queue is
// full or the client is shutting down.
func (c *Client) enqueue(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
