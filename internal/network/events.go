// Package network defines the contract between the session lifecycle layer
// and the messaging network: a Connector that opens connections and a Conn
// that surfaces protocol activity as a typed event stream. Re-shaping the
// protocol's callback model into events keeps the state machine testable
// against a fake connection emitting synthetic events.
package network

// Event is one protocol occurrence on a connection. The session actor
// consumes events in a type switch over the variants below.
type Event interface{ event() }

// PairingCode carries a one-time scannable code issued while the session is
// not yet bound to an account. Each new code implicitly invalidates the
// previous one; codes must never be cached or replayed.
type PairingCode struct {
	Code string
}

// Opened reports that the connection is live on the network under the given
// account identifier.
type Opened struct {
	AccountID string
}

// Message is one decrypted inbound message.
type Message struct {
	ID       string
	ChatID   string
	SenderID string
	Text     string
	Group    bool
	FromSelf bool
}

// KeysUpdated carries refreshed key material for the credential store. Key
// follows the credential namespace ("creds" for the identity document,
// "pre-key-<id>" and friends for transient material).
type KeysUpdated struct {
	Key   string
	Value []byte
}

// StreamError surfaces a protocol-level error that did not end the
// connection. Decryption failures arrive here.
type StreamError struct {
	Err error
}

// CloseCause classifies why a connection ended.
type CloseCause int

const (
	// CauseTransient covers network drops and server closes that a plain
	// reconnect heals.
	CauseTransient CloseCause = iota
	// CauseLoggedOut means the account revoked this session.
	CauseLoggedOut
	// CauseReplaced means another device claimed the same identity.
	CauseReplaced
)

func (c CloseCause) String() string {
	switch c {
	case CauseTransient:
		return "transient"
	case CauseLoggedOut:
		return "logged-out"
	case CauseReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Closed is the final event on a connection; the event channel is closed
// after it is delivered.
type Closed struct {
	Cause CloseCause
	Err   error
}

func (PairingCode) event() {}
func (Opened) event()      {}
func (Message) event()     {}
func (KeysUpdated) event() {}
func (StreamError) event() {}
func (Closed) event()      {}
