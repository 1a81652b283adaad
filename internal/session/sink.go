package session

import (
	"context"

	"messenger-courier/internal/session/domain"
)

// StatusSink receives caller-facing notifications for one session. Methods
// are invoked from the session's own goroutine and must not block.
type StatusSink interface {
	// OnStatus reports a lifecycle transition. accountID is empty until the
	// session has paired at least once.
	OnStatus(sessionID string, status domain.Status, accountID string)

	// OnPairingCode forwards a one-time pairing code. Codes are single-use;
	// a new code implicitly invalidates the previous one, so implementations
	// must not cache them.
	OnPairingCode(sessionID, code string)

	// OnError reports a failure that is not expressed as a status change.
	OnError(sessionID string, err error)
}

// NopSink discards all notifications. Used for startup restores, where no
// caller is waiting on the other end.
type NopSink struct{}

func (NopSink) OnStatus(string, domain.Status, string) {}
func (NopSink) OnPairingCode(string, string)           {}
func (NopSink) OnError(string, error)                  {}

// Handler produces the reply for one inbound message. An empty reply with a
// nil error means do not respond. The manager guarantees at most one call
// per distinct message id per process lifetime, serialized per session.
type Handler func(ctx context.Context, accountID, senderID, text string, group bool) (string, error)

// Gate decides whether an inbound message may reach the handler.
// Implementations must fail open: an evaluation error admits the message.
type Gate interface {
	AllowMessage(ctx context.Context, sessionID, senderID, text string, group bool) bool
}
