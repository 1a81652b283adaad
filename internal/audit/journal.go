package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"messenger-courier/internal/audit/domain"
	auditrepo "messenger-courier/internal/audit/repository"
)

// SystemActor is the actor recorded for events the courier raises itself,
// as opposed to events triggered by an upstream caller.
const SystemActor = "_system"

// Journal event types.
const (
	EventSessionCreated     = "session_created"
	EventSessionRestored    = "session_restored"
	EventPairingCodeIssued  = "pairing_code_issued"
	EventSessionConnected   = "session_connected"
	EventReconnectScheduled = "reconnect_scheduled"
	EventCredentialsPurged  = "credentials_purged"
	EventHandlerError       = "handler_error"
	EventSessionLoggedOut   = "session_logged_out"
)

// Journal writes session lifecycle events to the journal repository.
// Record is best-effort: failures are logged and do not affect the caller.
type Journal struct {
	repo auditrepo.Repository
}

// NewJournal returns a Journal that persists to repo. repo may be nil; then
// Record is a no-op.
func NewJournal(repo auditrepo.Repository) *Journal {
	return &Journal{repo: repo}
}

// Record writes one journal entry. Best-effort: errors are logged and not
// returned. Safe to call on a nil Journal.
func (j *Journal) Record(ctx context.Context, sessionID, eventType, detail, actor string) {
	if j == nil || j.repo == nil {
		return
	}
	if actor == "" {
		actor = SystemActor
	}
	entry := &domain.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Detail:    detail,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := j.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to record %s for session %s: %v", eventType, sessionID, err)
	}
}

// List returns journal entries for one session, newest first.
func (j *Journal) List(ctx context.Context, sessionID string, limit, offset int32) ([]*domain.Event, error) {
	if j == nil || j.repo == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return j.repo.ListBySession(ctx, sessionID, limit, offset)
}
