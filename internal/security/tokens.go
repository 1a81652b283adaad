package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired or signed
// with the wrong key.
var ErrInvalidToken = errors.New("invalid token")

// ConnectTokenProvider mints and verifies the short-lived bearer tokens
// presented on gateway dials and, when ops auth is enabled, on ops RPCs.
// Tokens are signed RS256 or ES256 depending on the key type.
type ConnectTokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	ttl        time.Duration
}

// NewConnectTokenProvider returns a provider signing with privateKey and
// verifying with publicKey. A nil publicKey falls back to the signer's own
// public key; a nil privateKey leaves the provider verify-only.
func NewConnectTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer string, ttl time.Duration) *ConnectTokenProvider {
	if publicKey == nil && privateKey != nil {
		publicKey = privateKey.Public()
	}
	return &ConnectTokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		ttl:        ttl,
	}
}

// ConnectToken issues a token for one gateway dial on behalf of sessionID.
// Claims are sub (the session id), jti, iat, exp and iss.
func (p *ConnectTokenProvider) ConnectToken(sessionID string) (string, error) {
	if p.privateKey == nil {
		return "", ErrInvalidKey
	}
	method := jwt.GetSigningMethod(KeyAlg(p.privateKey.Public()))
	if method == nil {
		return "", ErrInvalidKey
	}
	jti, err := generateJTI()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        jti,
		Subject:   sessionID,
		Issuer:    p.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	return jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
}

// Verify parses and validates a connect token (signature, exp, iss) and
// returns the session id it was minted for.
func (p *ConnectTokenProvider) Verify(tokenString string) (string, error) {
	if p.publicKey == nil {
		return "", ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return p.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Issuer != p.issuer {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// KeyAlg maps a public key to the JWT signing algorithm it implies: "RS256"
// for RSA, "ES256" for ECDSA, empty for anything else.
func KeyAlg(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		return "ES256"
	default:
		return ""
	}
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
