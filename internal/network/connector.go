package network

import "context"

// Params carries what a dial needs.
type Params struct {
	SessionID string
	// Creds is the session identity. A fresh, unpaired identity (no account
	// bound yet) makes the network start the pairing flow.
	Creds *Credentials
}

// Conn is one live transport+crypto session for one tenant.
type Conn interface {
	// Events returns the connection's event stream. The stream ends with a
	// Closed event, after which the channel is closed.
	Events() <-chan Event
	// Send delivers text to chatID and returns the network message id.
	Send(ctx context.Context, chatID, text string) (string, error)
	// Logout revokes this session on the network. Only the explicit logout
	// path calls it; plain teardown goes through Close.
	Logout(ctx context.Context) error
	// Close tears down the transport without revoking anything.
	Close() error
}

// Connector opens connections to the messaging network.
type Connector interface {
	Open(ctx context.Context, params Params) (Conn, error)
}
