package realtime

import (
	"sync"

	v1 "eduloom/shared/contracts/chat/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent broadcasters cannot
// panic; done signals the connection goroutines to stop.
type Client struct {
	SessionID string
	// ParticipantID is the verified participant, empty for unauthenticated
	// dev connections.
	ParticipantID string
	Send          chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, participantID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Send:          make(chan v1.Envelope, sendQueueSize),
		done:          make(chan struct{}),
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
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Offer queues env without blocking. It reports false when the client is
// shutting down or its queue is full.
func (c *Client) Offer(env v1.Envelope) bool {
	select {
	case <-c.done:
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
