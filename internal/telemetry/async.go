// Package telemetry defines the event feed the courier publishes about its
// sessions: an envelope type, the Emitter port, and a fire-and-forget helper
// so emission never blocks the session actors.
package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"messenger-courier/internal/telemetry/domain"
)

// emitTimeout bounds a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long main waits after stopping its servers
// before shutting down the OTel providers and the Kafka producer, giving
// in-flight async emits a chance to land.
const ShutdownDrainDuration = 2 * time.Second

// NewEvent builds an envelope with a fresh id and the current time.
func NewEvent(eventType, sessionID, accountID, detail string) *domain.Event {
	return &domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		AccountID: accountID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}

// EmitAsync emits the event on a goroutine with a short timeout so the caller
// is never blocked. emitter and event may be nil; then nothing happens. The
// goroutine runs on context.Background, so a canceled request or a closing
// session does not abort an in-flight emit.
func EmitAsync(emitter Emitter, event *domain.Event) {
	if emitter == nil || event == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, event); err != nil {
			log.Printf("telemetry: async emit failed: %v", err)
		}
	}()
}
