// Package credential persists per-session cryptographic material as opaque
// (session id, key) -> value rows. It is pure storage: no protocol logic, no
// retries. Storage errors propagate unmodified so the lifecycle layer can
// decide whether a retry is safe relative to in-flight protocol state.
package credential

import (
	"context"
	"errors"
)

// RootKey is the key of the row holding a session's identity document.
// Its presence means the session has paired at least once; recovery purges
// must never remove it.
const RootKey = "creds"

// ErrNotFound is returned by Get when no row exists for (sessionID, key).
var ErrNotFound = errors.New("credential: not found")

// Store is the persistence contract for session credentials.
type Store interface {
	// Get returns the value for (sessionID, key), or ErrNotFound.
	Get(ctx context.Context, sessionID, key string) ([]byte, error)
	// Put upserts the value for (sessionID, key). Binary payloads round-trip losslessly.
	Put(ctx context.Context, sessionID, key string, value []byte) error
	// DeleteKey removes a single row. Deleting a missing row is not an error.
	DeleteKey(ctx context.Context, sessionID, key string) error
	// DeleteAll removes every row for the session and reports how many went.
	DeleteAll(ctx context.Context, sessionID string) (int64, error)
	// DeleteByKeyPrefixes removes rows whose key starts with any given prefix.
	// The RootKey row is always kept, whatever the prefixes say.
	DeleteByKeyPrefixes(ctx context.Context, sessionID string, prefixes []string) (int64, error)
	// CountSessionsWithKey counts distinct sessions that persisted the given key.
	CountSessionsWithKey(ctx context.Context, key string) (int, error)
}
