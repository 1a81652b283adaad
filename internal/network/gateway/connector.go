package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"messenger-courier/internal/network"
)

const (
	defaultPingInterval = 25 * time.Second
	handshakeTimeout    = 15 * time.Second
)

// TokenSource mints short-lived bearer tokens presented on dial.
type TokenSource interface {
	ConnectToken(sessionID string) (string, error)
}

// Options configures a Connector.
type Options struct {
	// URL is the gateway websocket endpoint (ws:// or wss://).
	URL string

	// Tokens, when set, authenticates the dial with a bearer token minted
	// per session.
	Tokens TokenSource

	// PingInterval overrides the keepalive cadence. Zero means the default.
	PingInterval time.Duration
}

// Connector dials the gateway and binds sessions to live connections.
type Connector struct {
	url          string
	tokens       TokenSource
	pingInterval time.Duration
	dialer       *websocket.Dialer
}

var _ network.Connector = (*Connector)(nil)

func NewConnector(opts Options) *Connector {
	interval := opts.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return &Connector{
		url:          opts.URL,
		tokens:       opts.Tokens,
		pingInterval: interval,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Open dials the gateway, announces the session with an init frame and
// starts the reader and keepalive goroutines. The returned Conn is live:
// events begin flowing immediately.
func (c *Connector) Open(ctx context.Context, params network.Params) (network.Conn, error) {
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.ConnectToken(params.SessionID)
		if err != nil {
			return nil, fmt.Errorf("mint connect token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	conn := newConn(ws, c.pingInterval)
	init := frame{
		Type:         frameInit,
		SessionID:    params.SessionID,
		Registration: newRegistration(params.Creds),
	}
	if err := conn.writeFrame(init); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("announce session: %w", err)
	}

	go conn.readLoop()
	go conn.pingLoop()
	return conn, nil
}
