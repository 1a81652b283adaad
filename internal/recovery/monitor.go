// Package recovery heals sessions whose cryptographic ratchet state has
// desynchronized from a peer. Decryption failures are counted per session;
// at a threshold the transient key material is purged so the next handshake
// starts clean. The protocol self-heals once stale material is gone, so the
// remedy is a bounded purge, never a session teardown.
package recovery

import (
	"context"
	"log"
	"strings"
	"sync"
)

// TransientKeyPrefixes names the credential key namespaces a purge may
// remove: one-time pre-keys, per-peer session records, and group sender-key
// caches. The root identity row is never listed here; removing it would turn
// a recoverable desync into a forced logout.
var TransientKeyPrefixes = []string{"pre-key-", "session-", "sender-key-"}

// DefaultThreshold is the consecutive-failure count that triggers a purge.
const DefaultThreshold = 5

// failureSignatures mark an error as a protocol decryption failure. Matching
// is case-insensitive substring search over the error text.
var failureSignatures = []string{
	"failed to decrypt",
	"no session record",
	"no matching sessions",
	"no senderkey record",
	"invalid prekey",
	"bad mac",
}

// Classify reports whether err reads as a decryption failure. Errors that do
// not match are not the monitor's concern and must propagate untouched.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range failureSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Purger removes transient credential rows for a session.
type Purger interface {
	DeleteByKeyPrefixes(ctx context.Context, sessionID string, prefixes []string) (int64, error)
}

// Monitor counts consecutive decryption failures per session. Counts are
// in-memory only; they reset on purge, on successful decrypt (Reset), and
// when a new connection is created for the session.
type Monitor struct {
	mu        sync.Mutex
	counts    map[string]int
	threshold int
	purger    Purger
}

// NewMonitor returns a monitor purging through purger once a session
// accumulates threshold consecutive failures. Non-positive threshold falls
// back to DefaultThreshold.
func NewMonitor(purger Purger, threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		counts:    make(map[string]int),
		threshold: threshold,
		purger:    purger,
	}
}

// Observe feeds one connection error into the monitor. matched reports
// whether err was a decryption failure; purged reports that this observation
// hit the threshold and a purge ran. The counter resets even when the purge
// write fails, bounding purge attempts; the storage error still propagates.
func (m *Monitor) Observe(ctx context.Context, sessionID string, err error) (matched, purged bool, purgeErr error) {
	if !Classify(err) {
		return false, false, nil
	}

	m.mu.Lock()
	m.counts[sessionID]++
	n := m.counts[sessionID]
	if n < m.threshold {
		m.mu.Unlock()
		// Routine noise during first contact with a new peer.
		log.Printf("recovery: decrypt failure %d/%d for session %s: %v", n, m.threshold, sessionID, err)
		return true, false, nil
	}
	m.counts[sessionID] = 0
	m.mu.Unlock()

	removed, perr := m.purger.DeleteByKeyPrefixes(ctx, sessionID, TransientKeyPrefixes)
	if perr != nil {
		log.Printf("recovery: purge failed for session %s: %v", sessionID, perr)
		return true, true, perr
	}
	log.Printf("recovery: purged %d transient credential rows for session %s after %d decrypt failures", removed, sessionID, m.threshold)
	return true, true, nil
}

// Reset clears the failure count for a session. Called on successful
// decrypts and on new connection creation, keeping the count consecutive.
func (m *Monitor) Reset(sessionID string) {
	m.mu.Lock()
	delete(m.counts, sessionID)
	m.mu.Unlock()
}
