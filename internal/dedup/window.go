// Package dedup suppresses duplicate inbound messages under at-least-once
// delivery. Two bounded-retention sets are kept: ids of messages this process
// sent itself, and ids already handed to the downstream handler. An id found
// in either set discards the inbound event before it reaches the handler.
package dedup

import (
	"sync"
	"time"
)

// DefaultRetention bounds how long message ids are remembered. The network's
// own redelivery window is shorter in practice, so reprocessing after expiry
// is acceptable.
const DefaultRetention = 5 * time.Minute

type entry = time.Time // expiry instant

// Window tracks recently sent and recently processed message ids.
// Safe for concurrent use.
type Window struct {
	mu        sync.Mutex
	sent      map[string]entry
	processed map[string]entry
	retention time.Duration
	lastSweep time.Time
	nowF      func() time.Time
}

// NewWindow returns a Window remembering ids for the given retention.
// Non-positive retention falls back to DefaultRetention.
func NewWindow(retention time.Duration) *Window {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Window{
		sent:      make(map[string]entry),
		processed: make(map[string]entry),
		retention: retention,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// MarkSent records id as sent by this process. Called right after the
// connection reports a send, so the echoed copy never reaches the handler.
func (w *Window) MarkSent(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.nowF()
	w.maybeSweep(now)
	w.sent[id] = now.Add(w.retention)
}

// ShouldProcess reports whether the message id should reach the handler.
// Check and mark are one operation under the lock: a true return has already
// recorded the id in the processed set, so concurrent redelivery of the same
// id cannot pass twice.
func (w *Window) ShouldProcess(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.nowF()
	w.maybeSweep(now)
	if exp, ok := w.sent[id]; ok && exp.After(now) {
		return false
	}
	if exp, ok := w.processed[id]; ok && exp.After(now) {
		return false
	}
	w.processed[id] = now.Add(w.retention)
	return true
}

// maybeSweep drops expired ids at most once per fifth of the retention
// window. Caller holds mu.
func (w *Window) maybeSweep(now time.Time) {
	if now.Sub(w.lastSweep) < w.retention/5 {
		return
	}
	w.lastSweep = now
	for id, exp := range w.sent {
		if !exp.After(now) {
			delete(w.sent, id)
		}
	}
	for id, exp := range w.processed {
		if !exp.After(now) {
			delete(w.processed, id)
		}
	}
}
