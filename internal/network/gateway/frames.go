// Package gateway connects a session to the operator's message gateway, the
// websocket front door of the messaging network. One JSON frame per text
// message, discriminated by type; protocol activity maps 1:1 onto network
// events.
package gateway

import "messenger-courier/internal/network"

// Frame types. Client frames: init, send, logout. Gateway frames: pair,
// open, msg, keys, ack, error, close.
const (
	frameInit   = "init"
	frameSend   = "send"
	frameLogout = "logout"
	framePair   = "pair"
	frameOpen   = "open"
	frameMsg    = "msg"
	frameKeys   = "keys"
	frameAck    = "ack"
	frameError  = "error"
	frameClose  = "close"
)

type frame struct {
	Type string `json:"type"`

	// init
	SessionID    string        `json:"session_id,omitempty"`
	Registration *registration `json:"registration,omitempty"`

	// send / ack / msg
	Tag       string `json:"tag,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// pair
	Code string `json:"code,omitempty"`

	// open
	AccountID string `json:"account_id,omitempty"`

	// msg
	SenderID string `json:"sender_id,omitempty"`
	Group    bool   `json:"group,omitempty"`
	FromSelf bool   `json:"from_self,omitempty"`

	// keys
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`

	// error / ack failure / close
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// registration is the public half of an identity, sent with init so the
// gateway can register fresh sessions or authenticate known ones.
type registration struct {
	NoisePub       []byte `json:"noise_pub"`
	SigningPub     []byte `json:"signing_pub"`
	PreKeyID       uint32 `json:"pre_key_id"`
	PreKeyPub      []byte `json:"pre_key_pub"`
	PreKeySig      []byte `json:"pre_key_sig"`
	RegistrationID uint32 `json:"registration_id"`
	AccountID      string `json:"account_id,omitempty"`
}

func newRegistration(c *network.Credentials) *registration {
	if c == nil {
		return nil
	}
	return &registration{
		NoisePub:       c.NoiseKey.Public,
		SigningPub:     c.SigningKey.Public,
		PreKeyID:       c.SignedPreKey.KeyID,
		PreKeyPub:      c.SignedPreKey.Public,
		PreKeySig:      c.SignedPreKey.Signature,
		RegistrationID: c.RegistrationID,
		AccountID:      c.AccountID,
	}
}

func parseCloseCause(s string) network.CloseCause {
	switch s {
	case "logged-out":
		return network.CauseLoggedOut
	case "replaced":
		return network.CauseReplaced
	default:
		return network.CauseTransient
	}
}
