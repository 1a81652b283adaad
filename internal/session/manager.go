// Package session owns the lifecycle of every messaging session in the
// process: pairing, reconnection, credential persistence, recovery from
// decryption failures and delivery of inbound messages to the bridge
// handler. Each session runs as an independent actor goroutine; all state
// transitions for one session are serialized on that goroutine.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"messenger-courier/internal/audit"
	"messenger-courier/internal/credential"
	"messenger-courier/internal/dedup"
	"messenger-courier/internal/network"
	"messenger-courier/internal/recovery"
	"messenger-courier/internal/session/domain"
	"messenger-courier/internal/session/repository"
	"messenger-courier/internal/telemetry"
)

// Sentinel errors for the session manager; callers map them to their own
// error surfaces.
var (
	ErrNotFound     = errors.New("session not found")
	ErrShuttingDown = errors.New("session manager is shutting down")
)

const defaultReconnectDelay = 5 * time.Second

// Stats summarizes persisted session state.
type Stats struct {
	Total        int64 // sessions ever created and not removed
	Connected    int64 // sessions whose last persisted status is connected
	Credentialed int64 // sessions holding a root credential row
}

// Options configures a Manager. Sessions, Creds and Connector are required;
// everything else may be left zero.
type Options struct {
	Sessions  repository.Repository
	Creds     credential.Store
	Connector network.Connector

	// Handler receives decoded inbound messages. When nil, messages are
	// consumed (and deduplicated) without producing replies.
	Handler Handler

	// Gate filters inbound messages before the handler. Nil admits all.
	Gate Gate

	// Journal records lifecycle events. Nil disables journaling.
	Journal *audit.Journal

	// Telemetry receives lifecycle events as a feed. Nil disables emission.
	Telemetry telemetry.Emitter

	// ReconnectDelay is the fixed wait between connection attempts.
	// Zero means 5 seconds.
	ReconnectDelay time.Duration

	// DecryptFailureThreshold is the number of consecutive decryption
	// failures that triggers a transient-key purge. Zero means 5.
	DecryptFailureThreshold int

	// DedupRetention bounds how long message ids are remembered.
	// Zero means 5 minutes.
	DedupRetention time.Duration

	// Observer, when set, receives every session's status transitions in
	// addition to the per-session sink, including sessions brought up by
	// RestoreAll. Used to mirror statuses onto the ops health service.
	Observer StatusSink
}

// Manager owns every live session and serializes lifecycle work per session.
type Manager struct {
	sessions  repository.Repository
	creds     credential.Store
	connector network.Connector
	handler   Handler
	gate      Gate
	journal   *audit.Journal
	telemetry telemetry.Emitter
	observer  StatusSink
	monitor   *recovery.Monitor
	window    *dedup.Window

	reconnectDelay time.Duration

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager returns a Manager wired to the given stores and connector.
func NewManager(opts Options) *Manager {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:       opts.Sessions,
		creds:          opts.Creds,
		connector:      opts.Connector,
		handler:        opts.Handler,
		gate:           opts.Gate,
		journal:        opts.Journal,
		telemetry:      opts.Telemetry,
		observer:       opts.Observer,
		monitor:        recovery.NewMonitor(opts.Creds, opts.DecryptFailureThreshold),
		window:         dedup.NewWindow(opts.DedupRetention),
		reconnectDelay: delay,
		actors:         make(map[string]*actor),
		rootCtx:        ctx,
		cancel:         cancel,
	}
}

// CreateOrRestore brings the session up, or reports its current state if it
// is already live. An empty sessionID generates a fresh id. The call returns
// once the session's actor is running; pairing and connection progress are
// delivered through sink. The current status is always reported to sink
// before returning.
func (m *Manager) CreateOrRestore(ctx context.Context, sessionID string, sink StatusSink) (*domain.Session, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if a, ok := m.actors[sessionID]; ok {
		m.mu.Unlock()
		snap := a.snapshot()
		sink.OnStatus(snap.ID, snap.Status, snap.AccountID)
		return snap, nil
	}
	m.mu.Unlock()

	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		now := time.Now().UTC()
		sess = &domain.Session{
			ID:           sessionID,
			Status:       domain.StatusInitializing,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := m.sessions.Create(ctx, sess); err != nil {
			return nil, err
		}
		m.record(ctx, sessionID, "", audit.EventSessionCreated, "")
	} else if sess.Status == domain.StatusLoggedOut {
		// A logged-out id re-enters as first-time pairing. Its credentials
		// were destroyed at logout, so the next attempt starts fresh.
		sess.Status = domain.StatusInitializing
		sess.AccountID = ""
		if err := m.sessions.UpdateStatus(ctx, sessionID, domain.StatusInitializing); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if a, ok := m.actors[sessionID]; ok {
		m.mu.Unlock()
		snap := a.snapshot()
		sink.OnStatus(snap.ID, snap.Status, snap.AccountID)
		return snap, nil
	}
	a := newActor(m, sess, sink)
	m.actors[sessionID] = a
	m.wg.Add(1)
	go a.run(m.rootCtx)
	m.mu.Unlock()

	snap := a.snapshot()
	sink.OnStatus(snap.ID, snap.Status, snap.AccountID)
	m.observe(snap.ID, snap.Status, snap.AccountID)
	return snap, nil
}

// Logout revokes the session on the network where possible, destroys every
// credential row for it and removes it from the live table. Terminal: the
// id only comes back through a new CreateOrRestore, which behaves as
// first-time pairing.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	a, ok := m.actors[sessionID]
	m.mu.Unlock()
	if ok {
		handled, err := a.requestLogout(ctx)
		if handled {
			return err
		}
		// The actor exited before taking the request; clean up offline.
	}
	return m.offlineLogout(ctx, sessionID)
}

// offlineLogout handles logout for sessions with no live actor.
func (m *Manager) offlineLogout(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNotFound
	}
	if _, err := m.creds.DeleteAll(ctx, sessionID); err != nil {
		return err
	}
	if sess.Status != domain.StatusLoggedOut {
		if err := m.sessions.UpdateStatus(ctx, sessionID, domain.StatusLoggedOut); err != nil {
			return err
		}
		m.observe(sessionID, domain.StatusLoggedOut, sess.AccountID)
	}
	m.record(ctx, sessionID, sess.AccountID, audit.EventSessionLoggedOut, "logout requested")
	return nil
}

// ActiveCount returns the number of live sessions in this process.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Stats returns persisted session statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	total, err := m.sessions.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	connected, err := m.sessions.CountByStatus(ctx, domain.StatusConnected)
	if err != nil {
		return nil, err
	}
	credentialed, err := m.creds.CountSessionsWithKey(ctx, credential.RootKey)
	if err != nil {
		return nil, err
	}
	return &Stats{Total: total, Connected: connected, Credentialed: int64(credentialed)}, nil
}

// RestoreAll re-initiates every session last known to be connected or mid
// reconnect, with a placeholder sink since no caller is waiting. Returns the
// number of sessions brought back up; individual failures are logged and
// skipped.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	list, err := m.sessions.ListByStatus(ctx, domain.StatusConnected, domain.StatusReconnecting)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, sess := range list {
		if _, err := m.CreateOrRestore(ctx, sess.ID, NopSink{}); err != nil {
			log.Printf("session %s: restore failed: %v", sess.ID, err)
			continue
		}
		m.record(ctx, sess.ID, sess.AccountID, audit.EventSessionRestored, "")
		restored++
	}
	return restored, nil
}

// Shutdown terminates every live session and waits for their goroutines to
// finish, bounded by ctx. Credentials and persisted statuses are left in
// place; RestoreAll on the next start resumes from them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.actors, sessionID)
	m.mu.Unlock()
}

func (m *Manager) allowMessage(ctx context.Context, sessionID, senderID, text string, group bool) bool {
	if m.gate == nil {
		return true
	}
	return m.gate.AllowMessage(ctx, sessionID, senderID, text, group)
}

// record journals one lifecycle event and mirrors it onto the telemetry
// feed. Both paths are best-effort.
func (m *Manager) record(ctx context.Context, sessionID, accountID, eventType, detail string) {
	m.journal.Record(ctx, sessionID, eventType, detail, audit.SystemActor)
	telemetry.EmitAsync(m.telemetry, telemetry.NewEvent(eventType, sessionID, accountID, detail))
}

// observe forwards a transition to the process-wide observer, if any.
func (m *Manager) observe(sessionID string, status domain.Status, accountID string) {
	if m.observer != nil {
		m.observer.OnStatus(sessionID, status, accountID)
	}
}
