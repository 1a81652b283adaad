package domain

import "time"

// Status is the lifecycle state of a messaging session.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusPairingPending Status = "pairing_pending"
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusLoggedOut      Status = "logged_out" // terminal
)

// Session represents one account's presence on the messaging network.
type Session struct {
	ID           string
	AccountID    string // network account id, empty until first pairing completes
	Status       Status
	CreatedAt    time.Time
	LastActiveAt time.Time
}
