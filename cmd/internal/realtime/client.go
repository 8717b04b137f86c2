package realtime

import (
	"sync"

	v1 "huddle/contracts/realtime/v1"
)

const defaultSendQueue = 64

// Client is the outbound half of one websocket connection.
//
// Broadcasters only ever write to Send through Deliver, and Send is never
// closed; shutdown is signalled through Done instead, so a late broadcast
// after disconnect is a dropped envelope rather than a panic. SessionID and
// UserID are assigned by Registry.Open before the client joins any fan-out set.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	stop     chan struct{}
	stopOnce sync.Once
}

// NewClient allocates a client whose outbound queue holds queueSize envelopes.
func NewClient(queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &Client{
		Send: make(chan v1.Envelope, queueSize),
		stop: make(chan struct{}),
	}
}

// Deliver queues env for the writer loop. It never blocks: false means the
// client is stopping or its queue is saturated.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil || c.stopped() {
		return false
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Done is closed once Close has been called. A nil client is always done.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.stop
}

// Close stops the client. Safe to call more than once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
}
