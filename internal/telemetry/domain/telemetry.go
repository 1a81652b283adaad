package domain

import "time"

// Event is one telemetry record about a session. It is JSON-serialized on
// every transport (Kafka payload, Loki line), so the field tags are the wire
// format.
type Event struct {
	ID        string    `json:"event_id"`
	Type      string    `json:"event_type"`
	SessionID string    `json:"session_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
