package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds one Curve25519 key pair. Byte slices marshal as base64 in
// JSON, so a persisted identity round-trips its binary material losslessly.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// SignedPreKey is a medium-term pre-key whose public half is signed by the
// identity signing key, proving the pre-key belongs to this identity.
type SignedPreKey struct {
	KeyPair
	KeyID     uint32 `json:"key_id"`
	Signature []byte `json:"signature"`
}

// Credentials is a session's identity document, persisted as the root
// credential row. AccountID stays empty until pairing completes.
type Credentials struct {
	NoiseKey       KeyPair      `json:"noise_key"`
	SigningKey     KeyPair      `json:"signing_key"`
	SignedPreKey   SignedPreKey `json:"signed_pre_key"`
	RegistrationID uint32       `json:"registration_id"`
	AccountID      string       `json:"account_id,omitempty"`
}

// GenerateCredentials builds a fresh, unpaired identity: a Curve25519 noise
// key, an Ed25519 signing key, a signed pre-key, and a 14-bit registration id.
func GenerateCredentials() (*Credentials, error) {
	noise, err := newCurveKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise key: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	preKey, err := newCurveKeyPair()
	if err != nil {
		return nil, fmt.Errorf("pre-key: %w", err)
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("registration id: %w", err)
	}

	return &Credentials{
		NoiseKey:   noise,
		SigningKey: KeyPair{Private: priv, Public: pub},
		SignedPreKey: SignedPreKey{
			KeyPair:   preKey,
			KeyID:     1,
			Signature: ed25519.Sign(priv, preKey.Public),
		},
		RegistrationID: regID,
	}, nil
}

// Paired reports whether the identity is bound to a network account.
func (c *Credentials) Paired() bool {
	return c != nil && c.AccountID != ""
}

// VerifyPreKeySignature checks the signed pre-key against the signing key.
func (c *Credentials) VerifyPreKeySignature() bool {
	if c == nil || len(c.SigningKey.Public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(c.SigningKey.Public), c.SignedPreKey.Public, c.SignedPreKey.Signature)
}

// MarshalCredentials serializes the identity for the credential store.
func MarshalCredentials(c *Credentials) ([]byte, error) {
	return json.Marshal(c)
}

// ParseCredentials deserializes an identity read from the credential store.
func ParseCredentials(raw []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

func newCurveKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// randomRegistrationID returns an id in [1, 16380], the protocol's 14-bit range.
func randomRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%16380 + 1, nil
}
