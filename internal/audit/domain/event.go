package domain

import "time"

// Event represents one entry in the session lifecycle journal.
type Event struct {
	ID        string
	SessionID string
	Type      string
	Detail    string
	Actor     string
	CreatedAt time.Time
}
