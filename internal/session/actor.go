package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"messenger-courier/internal/audit"
	"messenger-courier/internal/credential"
	"messenger-courier/internal/network"
	"messenger-courier/internal/session/domain"
)

// apologyReply is sent back when the bridge handler fails on a message.
const apologyReply = "Sorry, something went wrong while processing your message."

// actor drives one session's state machine. All transitions happen on the
// run goroutine; the only cross-goroutine entry points are requestLogout
// and snapshot.
type actor struct {
	m    *Manager
	id   string
	sink StatusSink

	mu        sync.Mutex
	status    domain.Status
	accountID string
	createdAt time.Time

	logoutCh chan logoutRequest
	exited   chan struct{}
}

type logoutRequest struct {
	ctx  context.Context
	done chan error
}

func newActor(m *Manager, sess *domain.Session, sink StatusSink) *actor {
	return &actor{
		m:         m,
		id:        sess.ID,
		sink:      sink,
		status:    sess.Status,
		accountID: sess.AccountID,
		createdAt: sess.CreatedAt,
		logoutCh:  make(chan logoutRequest),
		exited:    make(chan struct{}),
	}
}

// run is the session's connection loop: load credentials, open a
// connection, serve events until it closes, then either retry after the
// fixed delay or exit on a terminal outcome.
func (a *actor) run(ctx context.Context) {
	defer func() {
		a.m.remove(a.id)
		close(a.exited)
		a.m.wg.Done()
	}()

	for {
		a.setStatus(ctx, domain.StatusInitializing)

		creds, err := a.loadOrCreateCredentials(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("session %s: load credentials: %v", a.id, err)
			a.sink.OnError(a.id, err)
			if !a.waitRetry(ctx) {
				return
			}
			continue
		}

		conn, err := a.m.connector.Open(ctx, network.Params{SessionID: a.id, Creds: creds})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("session %s: open connection: %v", a.id, err)
			a.sink.OnError(a.id, err)
			a.scheduleReconnect(ctx)
			if !a.waitRetry(ctx) {
				return
			}
			continue
		}

		// A fresh connection starts a fresh failure streak.
		a.m.monitor.Reset(a.id)

		if !a.serve(ctx, conn, creds) {
			return
		}
		if !a.waitRetry(ctx) {
			return
		}
	}
}

// serve consumes connection events until the connection ends. It returns
// true when the session should reconnect and false on terminal outcomes
// (logout, logged-out close, shutdown).
func (a *actor) serve(ctx context.Context, conn network.Conn, creds *network.Credentials) (retry bool) {
	defer func() {
		_ = conn.Close()
		for range conn.Events() {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-a.logoutCh:
			req.done <- a.logout(req.ctx, conn)
			return false
		case ev, ok := <-conn.Events():
			if !ok {
				a.scheduleReconnect(ctx)
				return true
			}
			switch ev := ev.(type) {
			case network.PairingCode:
				a.setStatus(ctx, domain.StatusPairingPending)
				a.sink.OnPairingCode(a.id, ev.Code)
				a.m.record(ctx, a.id, "", audit.EventPairingCodeIssued, "")
			case network.Opened:
				a.handleOpened(ctx, ev, creds)
			case network.Message:
				a.handleMessage(ctx, conn, ev)
			case network.KeysUpdated:
				if err := a.m.creds.Put(ctx, a.id, ev.Key, ev.Value); err != nil {
					log.Printf("session %s: persist key %s: %v", a.id, ev.Key, err)
				}
			case network.StreamError:
				a.handleStreamError(ctx, ev.Err)
			case network.Closed:
				return a.handleClosed(ctx, ev)
			}
		}
	}
}

func (a *actor) handleOpened(ctx context.Context, ev network.Opened, creds *network.Credentials) {
	a.mu.Lock()
	a.accountID = ev.AccountID
	a.mu.Unlock()

	if ev.AccountID != "" && creds.AccountID != ev.AccountID {
		creds.AccountID = ev.AccountID
		if raw, err := network.MarshalCredentials(creds); err == nil {
			if err := a.m.creds.Put(ctx, a.id, credential.RootKey, raw); err != nil {
				log.Printf("session %s: persist credentials: %v", a.id, err)
			}
		}
		if err := a.m.sessions.SetAccountID(ctx, a.id, ev.AccountID); err != nil {
			log.Printf("session %s: persist account id: %v", a.id, err)
		}
	}

	a.setStatus(ctx, domain.StatusConnected)
	_ = a.m.sessions.UpdateLastActive(ctx, a.id, time.Now().UTC())
	a.m.record(ctx, a.id, ev.AccountID, audit.EventSessionConnected, "account "+ev.AccountID)
}

// handleMessage runs the inbound pipeline: echo drop, dedup, gate, handler,
// reply. Messages are processed one at a time in arrival order.
func (a *actor) handleMessage(ctx context.Context, conn network.Conn, msg network.Message) {
	// A delivered message is a successful decrypt.
	a.m.monitor.Reset(a.id)

	if msg.FromSelf {
		return
	}
	if !a.m.window.ShouldProcess(msg.ID) {
		return
	}
	if !a.m.allowMessage(ctx, a.id, msg.SenderID, msg.Text, msg.Group) {
		return
	}
	if a.m.handler == nil {
		return
	}
	_ = a.m.sessions.UpdateLastActive(ctx, a.id, time.Now().UTC())

	reply, err := a.m.handler(ctx, a.account(), msg.SenderID, msg.Text, msg.Group)
	if err != nil {
		log.Printf("session %s: handler failed for message %s: %v", a.id, msg.ID, err)
		a.m.record(ctx, a.id, a.account(), audit.EventHandlerError, err.Error())
		reply = apologyReply
	}
	if reply == "" {
		return
	}

	sentID, err := conn.Send(ctx, msg.ChatID, reply)
	if err != nil {
		log.Printf("session %s: send reply: %v", a.id, err)
		return
	}
	a.m.window.MarkSent(sentID)
}

func (a *actor) handleStreamError(ctx context.Context, errIn error) {
	matched, purged, err := a.m.monitor.Observe(ctx, a.id, errIn)
	if !matched {
		log.Printf("session %s: stream error: %v", a.id, errIn)
		a.sink.OnError(a.id, errIn)
		return
	}
	if purged {
		a.m.record(ctx, a.id, a.account(), audit.EventCredentialsPurged,
			"transient keys purged after repeated decrypt failures")
	}
	if err != nil {
		log.Printf("session %s: recovery purge: %v", a.id, err)
	}
}

func (a *actor) handleClosed(ctx context.Context, ev network.Closed) (retry bool) {
	switch ev.Cause {
	case network.CauseLoggedOut:
		if _, err := a.m.creds.DeleteAll(ctx, a.id); err != nil {
			log.Printf("session %s: purge credentials on logout: %v", a.id, err)
		}
		a.setStatus(ctx, domain.StatusLoggedOut)
		a.m.record(ctx, a.id, a.account(), audit.EventSessionLoggedOut, "network ended the session")
		return false
	case network.CauseReplaced:
		// Another client claimed this identity. The stored key material is
		// unusable now; purge everything so the next attempt pairs fresh.
		if _, err := a.m.creds.DeleteAll(ctx, a.id); err != nil {
			log.Printf("session %s: purge credentials on takeover: %v", a.id, err)
		}
		a.m.record(ctx, a.id, a.account(), audit.EventCredentialsPurged, "session replaced by another client")
		a.scheduleReconnect(ctx)
		return true
	default:
		if ev.Err != nil {
			log.Printf("session %s: connection lost: %v", a.id, ev.Err)
		}
		a.scheduleReconnect(ctx)
		return true
	}
}

// logout revokes the session. conn may be nil when no connection is live.
// The credential purge error is returned to the caller; the status change
// happens regardless.
func (a *actor) logout(ctx context.Context, conn network.Conn) error {
	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			log.Printf("session %s: network logout: %v", a.id, err)
		}
	}
	_, err := a.m.creds.DeleteAll(ctx, a.id)
	a.setStatus(ctx, domain.StatusLoggedOut)
	a.m.record(ctx, a.id, a.account(), audit.EventSessionLoggedOut, "logout requested")
	return err
}

// requestLogout hands a logout request to the run goroutine and waits for
// the outcome. handled is false when the actor exited before taking the
// request; the manager then falls back to offline cleanup.
func (a *actor) requestLogout(ctx context.Context) (handled bool, err error) {
	req := logoutRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case a.logoutCh <- req:
	case <-a.exited:
		return false, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
	select {
	case err := <-req.done:
		return true, err
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// waitRetry sleeps for the fixed reconnect delay. It returns false when the
// session should stop retrying (shutdown or logout while waiting).
func (a *actor) waitRetry(ctx context.Context) bool {
	timer := time.NewTimer(a.m.reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case req := <-a.logoutCh:
		req.done <- a.logout(req.ctx, nil)
		return false
	case <-timer.C:
		return true
	}
}

func (a *actor) scheduleReconnect(ctx context.Context) {
	a.setStatus(ctx, domain.StatusReconnecting)
	a.m.record(ctx, a.id, a.account(), audit.EventReconnectScheduled, "retry in "+a.m.reconnectDelay.String())
}

// setStatus persists and reports a transition. Repeated transitions to the
// current status are dropped.
func (a *actor) setStatus(ctx context.Context, status domain.Status) {
	a.mu.Lock()
	if a.status == status {
		a.mu.Unlock()
		return
	}
	a.status = status
	accountID := a.accountID
	a.mu.Unlock()

	if err := a.m.sessions.UpdateStatus(ctx, a.id, status); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("session %s: persist status %s: %v", a.id, status, err)
	}
	a.sink.OnStatus(a.id, status, accountID)
	a.m.observe(a.id, status, accountID)
}

// loadOrCreateCredentials returns the session's stored identity, generating
// and persisting a fresh one when no root row exists. Unreadable stored
// credentials are treated as absent.
func (a *actor) loadOrCreateCredentials(ctx context.Context) (*network.Credentials, error) {
	raw, err := a.m.creds.Get(ctx, a.id, credential.RootKey)
	if err == nil {
		creds, perr := network.ParseCredentials(raw)
		if perr == nil {
			return creds, nil
		}
		log.Printf("session %s: stored credentials unreadable, regenerating: %v", a.id, perr)
	} else if !errors.Is(err, credential.ErrNotFound) {
		return nil, err
	}

	creds, err := network.GenerateCredentials()
	if err != nil {
		return nil, err
	}
	raw, err = network.MarshalCredentials(creds)
	if err != nil {
		return nil, err
	}
	if err := a.m.creds.Put(ctx, a.id, credential.RootKey, raw); err != nil {
		return nil, err
	}
	return creds, nil
}

func (a *actor) account() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountID
}

// snapshot returns a copy of the session's current metadata.
func (a *actor) snapshot() *domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &domain.Session{
		ID:        a.id,
		AccountID: a.accountID,
		Status:    a.status,
		CreatedAt: a.createdAt,
	}
}
