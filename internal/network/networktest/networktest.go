// Package networktest provides scripted in-memory fakes for the network
// Connector and Conn interfaces.
package networktest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"messenger-courier/internal/network"
)

// SentMessage records one Send call on a fake connection.
type SentMessage struct {
	ChatID string
	Text   string
}

// Conn is a scripted connection. Tests feed events in with Emit and end the
// stream with EmitClosed; the code under test consumes them through Events.
type Conn struct {
	events chan network.Event

	mu        sync.Mutex
	sent      []SentMessage
	sendErr   error
	closed    bool
	loggedOut bool
	ended     bool
}

func NewConn() *Conn {
	return &Conn{events: make(chan network.Event, 32)}
}

// Emit delivers one event to the consumer. No-op once the stream ended.
func (c *Conn) Emit(ev network.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- ev
}

// EmitClosed delivers a terminal close and closes the event stream.
func (c *Conn) EmitClosed(cause network.CloseCause, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- network.Closed{Cause: cause, Err: err}
	c.ended = true
	close(c.events)
}

func (c *Conn) Events() <-chan network.Event {
	return c.events
}

func (c *Conn) Send(ctx context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Text: text})
	return fmt.Sprintf("fake-msg-%d", len(c.sent)), nil
}

func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.endStream()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.endStream()
	return nil
}

// endStream closes the event channel so consumers draining it unblock.
// Callers hold c.mu.
func (c *Conn) endStream() {
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}

// SetSendError makes subsequent Send calls fail.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of all recorded sends.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ network.Conn = (*Conn)(nil)

type openResult struct {
	conn *Conn
	err  error
}

// Connector hands out queued connections in order. Every handed-out
// connection is also announced on Opened so tests can synchronize with
// reconnect attempts.
type Connector struct {
	mu     sync.Mutex
	queue  []openResult
	opens  []network.Params
	opened chan *Conn
}

func NewConnector() *Connector {
	return &Connector{opened: make(chan *Conn, 16)}
}

// Queue appends a connection to hand out on a future Open call.
func (c *Connector) Queue(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, openResult{conn: conn})
}

// QueueError makes a future Open call fail.
func (c *Connector) QueueError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, openResult{err: err})
}

func (c *Connector) Open(ctx context.Context, params network.Params) (network.Conn, error) {
	c.mu.Lock()
	c.opens = append(c.opens, params)
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, errors.New("networktest: no queued connections")
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	if next.err != nil {
		return nil, next.err
	}
	select {
	case c.opened <- next.conn:
	default:
	}
	return next.conn, nil
}

// Opened receives each successfully opened connection, in order.
func (c *Connector) Opened() <-chan *Conn {
	return c.opened
}

// Opens returns a copy of the parameters of every Open call, including
// failed ones.
func (c *Connector) Opens() []network.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]network.Params, len(c.opens))
	copy(out, c.opens)
	return out
}

var _ network.Connector = (*Connector)(nil)
