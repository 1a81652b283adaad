package domain

import "time"

// InboundPolicy is a per-session Rego module that overrides the built-in
// inbound message policy.
type InboundPolicy struct {
	SessionID string
	Module    string
	UpdatedAt time.Time
}
