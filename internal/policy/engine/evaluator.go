package engine

import "context"

// Evaluator decides whether inbound messages reach the bridge handler.
type Evaluator interface {
	// AllowMessage evaluates the inbound policy for one message. It fails
	// open: policy load or evaluation errors admit the message.
	AllowMessage(ctx context.Context, sessionID, senderID, text string, group bool) bool
}
