package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messenger-courier/internal/network"
)

const (
	// writeWait bounds every write, control frames included.
	writeWait = 10 * time.Second

	// maxFrameSize caps inbound frames. Gateway frames are small; anything
	// larger is a protocol violation.
	maxFrameSize = 1024 * 1024
)

// ErrConnClosed is returned by Send when the connection goes away before the
// gateway acknowledges the message.
var ErrConnClosed = errors.New("gateway: connection closed")

// Conn is a live gateway connection. A single reader goroutine owns the
// socket and translates frames into events; writes are serialized by mutex.
//
// Callers must drain Events until it is closed, including after Close, or
// the reader goroutine can block delivering a frame that arrived in flight.
type Conn struct {
	ws     *websocket.Conn
	events chan network.Event

	// done is closed when the reader goroutine exits. It releases pending
	// sends and stops the ping loop.
	done    chan struct{}
	closing atomic.Bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	pingInterval time.Duration
	pongWait     time.Duration
}

func newConn(ws *websocket.Conn, pingInterval time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		events:       make(chan network.Event, 16),
		done:         make(chan struct{}),
		pending:      make(map[string]chan frame),
		pingInterval: pingInterval,
		pongWait:     2 * pingInterval,
	}
}

// Events returns the event stream. The channel is closed after the terminal
// Closed event once the connection is torn down.
func (c *Conn) Events() <-chan network.Event {
	return c.events
}

// Send delivers text to a chat and waits for the gateway acknowledgement
// carrying the assigned message id.
func (c *Conn) Send(ctx context.Context, chatID, text string) (string, error) {
	tag := uuid.New().String()
	ack := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[tag] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, tag)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(frame{Type: frameSend, Tag: tag, ChatID: chatID, Text: text}); err != nil {
		return "", err
	}

	select {
	case f := <-ack:
		if f.Message != "" {
			return "", errors.New(f.Message)
		}
		return f.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrConnClosed
	}
}

// Logout asks the gateway to revoke this session's device registration,
// then tears the connection down.
func (c *Conn) Logout(ctx context.Context) error {
	err := c.writeFrame(frame{Type: frameLogout})
	c.closing.Store(true)
	_ = c.ws.Close()
	return err
}

// Close tears the connection down without touching the registration.
func (c *Conn) Close() error {
	c.closing.Store(true)
	return c.ws.Close()
}

// readLoop owns the socket. It is the only goroutine that sends on or
// closes the events channel.
func (c *Conn) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.events <- network.Closed{Cause: network.CauseTransient, Err: err}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case framePair:
			c.events <- network.PairingCode{Code: f.Code}
		case frameOpen:
			c.events <- network.Opened{AccountID: f.AccountID}
		case frameMsg:
			c.events <- network.Message{
				ID:       f.MessageID,
				ChatID:   f.ChatID,
				SenderID: f.SenderID,
				Text:     f.Text,
				Group:    f.Group,
				FromSelf: f.FromSelf,
			}
		case frameKeys:
			c.events <- network.KeysUpdated{Key: f.Key, Value: f.Value}
		case frameError:
			c.events <- network.StreamError{Err: errors.New(f.Message)}
		case frameAck:
			c.resolveAck(f)
		case frameClose:
			c.events <- network.Closed{Cause: parseCloseCause(f.Cause)}
			return
		}
	}
}

func (c *Conn) resolveAck(f frame) {
	c.pendingMu.Lock()
	ack, ok := c.pending[f.Tag]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ack <- f:
	default:
	}
}

// pingLoop keeps the connection alive. A failed ping closes the socket and
// the reader surfaces the teardown as a transient close.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
