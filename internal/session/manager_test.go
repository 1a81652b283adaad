package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"messenger-courier/internal/audit"
	auditdomain "messenger-courier/internal/audit/domain"
	"messenger-courier/internal/credential"
	"messenger-courier/internal/network"
	"messenger-courier/internal/network/networktest"
	"messenger-courier/internal/recovery"
	"messenger-courier/internal/session/domain"
	telemetrydomain "messenger-courier/internal/telemetry/domain"
)

// memSessionRepo implements repository.Repository in memory.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (m *memSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return nil
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionRepo) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = status
	}
	return nil
}

func (m *memSessionRepo) SetAccountID(ctx context.Context, id, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.AccountID = accountID
	}
	return nil
}

func (m *memSessionRepo) UpdateLastActive(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActiveAt = at
	}
	return nil
}

func (m *memSessionRepo) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		for _, st := range statuses {
			if s.Status == st {
				cp := *s
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *memSessionRepo) CountAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sessions)), nil
}

func (m *memSessionRepo) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memSessionRepo) statusOf(id string) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Status
	}
	return ""
}

func (m *memSessionRepo) seed(s *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
}

// memCredStore implements credential.Store in memory.
type memCredStore struct {
	mu         sync.Mutex
	rows       map[string]map[string][]byte
	purgeCalls [][]string
}

func newMemCredStore() *memCredStore {
	return &memCredStore{rows: make(map[string]map[string][]byte)}
}

func (m *memCredStore) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[sessionID][key]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memCredStore) Put(ctx context.Context, sessionID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[sessionID] == nil {
		m.rows[sessionID] = make(map[string][]byte)
	}
	m.rows[sessionID][key] = append([]byte(nil), value...)
	return nil
}

func (m *memCredStore) DeleteKey(ctx context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[sessionID], key)
	return nil
}

func (m *memCredStore) DeleteAll(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.rows[sessionID]))
	delete(m.rows, sessionID)
	return n, nil
}

func (m *memCredStore) DeleteByKeyPrefixes(ctx context.Context, sessionID string, prefixes []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeCalls = append(m.purgeCalls, append([]string(nil), prefixes...))
	var n int64
	for key := range m.rows[sessionID] {
		if key == credential.RootKey {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				delete(m.rows[sessionID], key)
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *memCredStore) CountSessionsWithKey(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, keys := range m.rows {
		if _, ok := keys[key]; ok {
			n++
		}
	}
	return n, nil
}

func (m *memCredStore) rowCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[sessionID])
}

func (m *memCredStore) hasKey(sessionID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[sessionID][key]
	return ok
}

func (m *memCredStore) purgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.purgeCalls)
}

func (m *memCredStore) purgeArgs(i int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.purgeCalls[i]...)
}

// memJournalRepo records journal events in memory.
type memJournalRepo struct {
	mu      sync.Mutex
	entries []*auditdomain.Event
}

func (m *memJournalRepo) Create(ctx context.Context, e *auditdomain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournalRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int32) ([]*auditdomain.Event, error) {
	return nil, nil
}

func (m *memJournalRepo) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Type
	}
	return out
}

// recordingSink captures notifications and signals them to waiting tests.
type recordingSink struct {
	mu       sync.Mutex
	statuses []domain.Status
	accounts []string
	codes    []string
	errs     []error
	statusCh chan domain.Status
	codeCh   chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		statusCh: make(chan domain.Status, 32),
		codeCh:   make(chan string, 32),
	}
}

func (r *recordingSink) OnStatus(sessionID string, status domain.Status, accountID string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.accounts = append(r.accounts, accountID)
	r.mu.Unlock()
	select {
	case r.statusCh <- status:
	default:
	}
}

func (r *recordingSink) OnPairingCode(sessionID, code string) {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
	select {
	case r.codeCh <- code:
	default:
	}
}

func (r *recordingSink) OnError(sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSink) waitStatus(t *testing.T, want domain.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.statusCh:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s (seen: %v)", want, r.seen())
		}
	}
}

func (r *recordingSink) waitCode(t *testing.T) string {
	t.Helper()
	select {
	case code := <-r.codeCh:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pairing code")
		return ""
	}
}

func (r *recordingSink) seen() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.statuses...)
}

func (r *recordingSink) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type handledMessage struct {
	AccountID string
	SenderID  string
	Text      string
	Group     bool
}

type fixture struct {
	repo      *memSessionRepo
	creds     *memCredStore
	connector *networktest.Connector
	journal   *memJournalRepo
	manager   *Manager

	mu      sync.Mutex
	handled []handledMessage
	handler Handler
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newMemSessionRepo(),
		creds:     newMemCredStore(),
		connector: networktest.NewConnector(),
		journal:   &memJournalRepo{},
	}
	opts := Options{
		Sessions:       f.repo,
		Creds:          f.creds,
		Connector:      f.connector,
		Journal:        audit.NewJournal(f.journal),
		ReconnectDelay: 20 * time.Millisecond,
		Handler: func(ctx context.Context, accountID, senderID, text string, group bool) (string, error) {
			f.mu.Lock()
			f.handled = append(f.handled, handledMessage{accountID, senderID, text, group})
			custom := f.handler
			f.mu.Unlock()
			if custom != nil {
				return custom(ctx, accountID, senderID, text, group)
			}
			return "echo: " + text, nil
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	f.manager = NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.manager.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() returned error: %v", err)
		}
	})
	return f
}

func (f *fixture) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

func (f *fixture) setHandler(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fixture) nextConn(t *testing.T) *networktest.Conn {
	t.Helper()
	select {
	case conn := <-f.connector.Opened():
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection attempt")
		return nil
	}
}

// connect brings sessionID up to connected on a fresh fake connection.
func (f *fixture) connect(t *testing.T, sessionID, accountID string) (*networktest.Conn, *recordingSink) {
	t.Helper()
	conn := networktest.NewConn()
	f.connector.Queue(conn)
	sink := newRecordingSink()
	if _, err := f.manager.CreateOrRestore(context.Background(), sessionID, sink); err != nil {
		t.Fatalf("CreateOrRestore() returned error: %v", err)
	}
	f.nextConn(t)
	conn.Emit(network.Opened{AccountID: accountID})
	sink.waitStatus(t, domain.StatusConnected)
	return conn, sink
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_CreateOrRestore_PairingScenario(t *testing.T) {
	f := newFixture(t)
	conn := networktest.NewConn()
	f.connector.Queue(conn)
	sink := newRecordingSink()

	sess, err := f.manager.CreateOrRestore(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("CreateOrRestore() returned error: %v", err)
	}
	if sess.ID != "s1" {
		t.Errorf("session id = %q, want %q", sess.ID, "s1")
	}
	if sess.Status != domain.StatusInitializing {
		t.Errorf("initial status = %s, want %s", sess.Status, domain.StatusInitializing)
	}

	f.nextConn(t)
	conn.Emit(network.PairingCode{Code: "T1"})
	if code := sink.waitCode(t); code != "T1" {
		t.Errorf("pairing code = %q, want %q", code, "T1")
	}
	sink.waitStatus(t, domain.StatusPairingPending)

	conn.Emit(network.Opened{AccountID: "15550001111@network"})
	sink.waitStatus(t, domain.StatusConnected)

	seen := sink.seen()
	wantOrder := []domain.Status{domain.StatusInitializing, domain.StatusPairingPending, domain.StatusConnected}
	if len(seen) < len(wantOrder) {
		t.Fatalf("status sequence %v too short, want %v", seen, wantOrder)
	}
	for i, want := range wantOrder {
		if seen[i] != want {
			t.Errorf("status[%d] = %s, want %s", i, seen[i], want)
		}
	}

	sink.mu.Lock()
	lastAccount := sink.accounts[len(sink.accounts)-1]
	sink.mu.Unlock()
	if lastAccount != "15550001111@network" {
		t.Errorf("connected account = %q, want %q", lastAccount, "15550001111@network")
	}

	if !f.creds.hasKey("s1", credential.RootKey) {
		t.Error("root credential row missing after initialization")
	}
	waitFor(t, func() bool { return f.repo.statusOf("s1") == domain.StatusConnected },
		"persisted status never reached connected")
}

func TestManager_CreateOrRestore_IdempotentWhenConnected(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "s1", "1555@network")

	sink := newRecordingSink()
	sess, err := f.manager.CreateOrRestore(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("CreateOrRestore() returned error: %v", err)
	}
	if sess.Status != domain.StatusConnected {
		t.Errorf("status = %s, want %s", sess.Status, domain.StatusConnected)
	}
	if sess.AccountID != "1555@network" {
		t.Errorf("account = %q, want %q", sess.AccountID, "1555@network")
	}
	if got := len(f.connector.Opens()); got != 1 {
		t.Errorf("connection attempts = %d, want 1 (no duplicate connection)", got)
	}
	if got := f.manager.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	seen := sink.seen()
	if len(seen) != 1 || seen[0] != domain.StatusConnected {
		t.Errorf("second sink saw %v, want just [connected]", seen)
	}
}

func TestManager_CreateOrRestore_GeneratesID(t *testing.T) {
	f := newFixture(t)
	f.connector.Queue(networktest.NewConn())

	sess, err := f.manager.CreateOrRestore(context.Background(), "", NopSink{})
	if err != nil {
		t.Fatalf("CreateOrRestore() returned error: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected a generated session id")
	}
}

func TestManager_CreateOrRestore_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.connector.Queue(networktest.NewConn())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.CreateOrRestore(context.Background(), "s1", NopSink{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d returned error: %v", i, err)
		}
	}
	if got := f.manager.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	waitFor(t, func() bool { return len(f.connector.Opens()) == 1 },
		"expected exactly one connection attempt")
}

func TestManager_Logout_PurgesAndRemoves(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "s1", "1555@network")

	// Extra key material accumulated while connected.
	_ = f.creds.Put(context.Background(), "s1", "pre-key-1", []byte("a"))
	_ = f.creds.Put(context.Background(), "s1", "session-peer1", []byte("b"))

	if err := f.manager.Logout(context.Background(), "s1"); err != nil {
		t.Fatalf("Logout() returned error: %v", err)
	}
	sink.waitStatus(t, domain.StatusLoggedOut)

	if !conn.LoggedOut() {
		t.Error("network logout was never requested")
	}
	if got := f.creds.rowCount("s1"); got != 0 {
		t.Errorf("credential rows after logout = %d, want 0", got)
	}
	if got := f.repo.statusOf("s1"); got != domain.StatusLoggedOut {
		t.Errorf("persisted status = %s, want %s", got, domain.StatusLoggedOut)
	}
	waitFor(t, func() bool { return f.manager.ActiveCount() == 0 },
		"session still in the live table after logout")

	// The id re-enters as first-time pairing with a fresh identity.
	f.connector.Queue(networktest.NewConn())
	sess, err := f.manager.CreateOrRestore(context.Background(), "s1", NopSink{})
	if err != nil {
		t.Fatalf("CreateOrRestore() after logout returned error: %v", err)
	}
	if sess.Status != domain.StatusInitializing {
		t.Errorf("status after re-create = %s, want %s", sess.Status, domain.StatusInitializing)
	}
	waitFor(t, func() bool { return f.creds.hasKey("s1", credential.RootKey) },
		"fresh identity never generated after logout")
}

func TestManager_Logout_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.Logout(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Logout() error = %v, want %v", err, ErrNotFound)
	}
}

func TestManager_Logout_OfflineSession(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(&domain.Session{ID: "s1", Status: domain.StatusConnected, AccountID: "1555@network"})
	_ = f.creds.Put(context.Background(), "s1", credential.RootKey, []byte("{}"))

	if err := f.manager.Logout(context.Background(), "s1"); err != nil {
		t.Fatalf("Logout() returned error: %v", err)
	}
	if got := f.creds.rowCount("s1"); got != 0 {
		t.Errorf("credential rows = %d, want 0", got)
	}
	if got := f.repo.statusOf("s1"); got != domain.StatusLoggedOut {
		t.Errorf("persisted status = %s, want %s", got, domain.StatusLoggedOut)
	}
}

func TestManager_LoggedOutClose_Terminal(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "s1", "1555@network")

	conn.EmitClosed(network.CauseLoggedOut, nil)
	sink.waitStatus(t, domain.StatusLoggedOut)

	waitFor(t, func() bool { return f.manager.ActiveCount() == 0 },
		"session still live after logged-out close")
	if got := f.creds.rowCount("s1"); got != 0 {
		t.Errorf("credential rows = %d, want 0", got)
	}

	// No reconnect may follow a terminal close.
	time.Sleep(60 * time.Millisecond)
	if got := len(f.connector.Opens()); got != 1 {
		t.Errorf("connection attempts = %d, want 1", got)
	}
}

func TestManager_ReplacedClose_ForcesFreshPairing(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "s1", "1555@network")
	firstIdentity := f.connector.Opens()[0].Creds.NoiseKey.Public

	second := networktest.NewConn()
	f.connector.Queue(second)
	conn.EmitClosed(network.CauseReplaced, nil)

	sink.waitStatus(t, domain.StatusReconnecting)
	f.nextConn(t)

	opens := f.connector.Opens()
	if len(opens) != 2 {
		t.Fatalf("connection attempts = %d, want 2", len(opens))
	}
	if string(opens[1].Creds.NoiseKey.Public) == string(firstIdentity) {
		t.Error("identity survived a replaced close; want a fresh pairing identity")
	}
	if !f.creds.hasKey("s1", credential.RootKey) {
		t.Error("fresh root credential row missing after re-initialization")
	}
}

func TestManager_TransientClose_ReconnectsWithSameIdentity(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "s1", "1555@network")
	firstIdentity := f.connector.Opens()[0].Creds.NoiseKey.Public

	second := networktest.NewConn()
	f.connector.Queue(second)
	conn.EmitClosed(network.CauseTransient, errors.New("read tcp: connection reset"))

	sink.waitStatus(t, domain.StatusReconnecting)
	f.nextConn(t)

	opens := f.connector.Opens()
	if len(opens) != 2 {
		t.Fatalf("connection attempts = %d, want 2", len(opens))
	}
	if string(opens[1].Creds.NoiseKey.Public) != string(firstIdentity) {
		t.Error("identity changed across a transient reconnect")
	}

	second.Emit(network.Opened{AccountID: "1555@network"})
	sink.waitStatus(t, domain.StatusConnected)
}

func TestManager_OpenFailure_RetriesAfterDelay(t *testing.T) {
	f := newFixture(t)
	f.connector.QueueError(errors.New("dial gateway: connection refused"))
	conn := networktest.NewConn()
	f.connector.Queue(conn)
	sink := newRecordingSink()

	if _, err := f.manager.CreateOrRestore(context.Background(), "s1", sink); err != nil {
		t.Fatalf("CreateOrRestore() returned error: %v", err)
	}

	sink.waitStatus(t, domain.StatusReconnecting)
	f.nextConn(t)
	conn.Emit(network.Opened{AccountID: "1555@network"})
	sink.waitStatus(t, domain.StatusConnected)

	if sink.errCount() == 0 {
		t.Error("dial failure was never reported to the sink")
	}
	if got := len(f.connector.Opens()); got != 2 {
		t.Errorf("connection attempts = %d, want 2", got)
	}
}

func TestManager_InboundPipeline_DeliversOnce(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, "s1", "1555@network")

	conn.Emit(network.Message{ID: "m1", ChatID: "chat1", SenderID: "peer1", Text: "hi"})
	waitFor(t, func() bool { return f.handledCount() == 1 }, "message never reached the handler")

	f.mu.Lock()
	got := f.handled[0]
	f.mu.Unlock()
	if got.AccountID != "1555@network" || got.SenderID != "peer1" || got.Text != "hi" || got.Group {
		t.Errorf("handler saw %+v", got)
	}

	waitFor(t, func() bool { return len(conn.Sent()) == 1 }, "reply never sent")
	if sent := conn.Sent()[0]; sent.ChatID != "chat1" || sent.Text != "echo: hi" {
		t.Errorf("reply = %+v, want echo to chat1", sent)
	}

	// Redelivery of the same id is suppressed.
	conn.Emit(network.Message{ID: "m1", ChatID: "chat1", SenderID: "peer1", Text: "hi"})
	// The echo of our own reply comes back with the gateway-assigned id.
	conn.Emit(network.Message{ID: "fake-msg-1", ChatID: "chat1", SenderID: "self", Text: "echo: hi"})
	// Messages flagged as our own are dropped outright.
	conn.Emit(network.Message{ID: "m2", ChatID: "chat1", SenderID: "self", Text: "echo: hi", FromSelf: true})
	// A genuinely new message still flows.
	conn.Emit(network.Message{ID: "m3", ChatID: "chat1", SenderID: "peer1", Text: "again"})

	waitFor(t, func() bool { return f.handledCount() == 2 }, "second distinct message never handled")
	f.mu.Lock()
	second := f.handled[1]
	f.mu.Unlock()
	if second.Text != "again" {
		t.Errorf("second handled text = %q, want %q", second.Text, "again")
	}
}

func TestManager_HandlerError_SendsApology(t *testing.T) {
	f := newFixture(t)
	f.setHandler(func(ctx context.Context, accountID, senderID, text string, group bool) (string, error) {
		return "", errors.New("intent parser exploded")
	})
	conn, _ := f.connect(t, "s1", "1555@network")

	conn.Emit(network.Message{ID: "m1", ChatID: "chat1", SenderID: "peer1", Text: "hi"})
	waitFor(t, func() bool { return len(conn.Sent()) == 1 }, "apology reply never sent")

	if sent := conn.Sent()[0]; sent.Text != apologyReply {
		t.Errorf("reply = %q, want the apology reply", sent.Text)
	}
}

func TestManager_HandlerEmptyReply_SendsNothing(t *testing.T) {
	f := newFixture(t)
	f.setHandler(func(ctx context.Context, accountID, senderID, text string, group bool) (string, error) {
		return "", nil
	})
	conn, _ := f.connect(t, "s1", "1555@network")

	conn.Emit(network.Message{ID: "m1", ChatID: "chat1", SenderID: "peer1", Text: "hi"})
	conn.Emit(network.Message{ID: "m2", ChatID: "chat1", SenderID: "peer1", Text: "ping"})
	waitFor(t, func() bool { return f.handledCount() == 2 }, "messages never reached the handler")

	if got := len(conn.Sent()); got != 0 {
		t.Errorf("sent %d replies, want 0", got)
	}
}

type recordingGate struct {
	mu    sync.Mutex
	calls int
	allow bool
}

func (g *recordingGate) AllowMessage(ctx context.Context, sessionID, senderID, text string, group bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.allow
}

func (g *recordingGate) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestManager_Gate_BlocksHandler(t *testing.T) {
	gate := &recordingGate{allow: false}
	f := newFixture(t, func(o *Options) { o.Gate = gate })
	conn, _ := f.connect(t, "s1", "1555@network")

	conn.Emit(network.Message{ID: "m1", ChatID: "chat1", SenderID: "peer1", Text: "hi"})
	waitFor(t, func() bool { return gate.callCount() == 1 }, "gate never consulted")

	time.Sleep(20 * time.Millisecond)
	if got := f.handledCount(); got != 0 {
		t.Errorf("handler ran %d times behind a closed gate, want 0", got)
	}
}

func TestManager_DecryptFailures_PurgeAtThreshold(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, "s2", "1555@network")

	ctx := context.Background()
	_ = f.creds.Put(ctx, "s2", "pre-key-1", []byte("a"))
	_ = f.creds.Put(ctx, "s2", "session-peer1", []byte("b"))
	_ = f.creds.Put(ctx, "s2", "sender-key-g1", []byte("c"))

	for i := 0; i < 4; i++ {
		conn.Emit(network.StreamError{Err: errors.New("failed to decrypt message")})
	}
	// A delivered message both drains the queue and resets the failure streak.
	conn.Emit(network.Message{ID: "sync-a", ChatID: "c", SenderID: "peer1", Text: "x"})
	waitFor(t, func() bool { return f.handledCount() == 1 }, "pipeline never drained")
	if got := f.creds.purgeCount(); got != 0 {
		t.Fatalf("purge calls below the threshold = %d, want 0", got)
	}

	for i := 0; i < 5; i++ {
		conn.Emit(network.StreamError{Err: errors.New("failed to decrypt message")})
	}
	waitFor(t, func() bool { return f.creds.purgeCount() == 1 }, "no purge at the threshold")

	if f.creds.hasKey("s2", "pre-key-1") || f.creds.hasKey("s2", "session-peer1") || f.creds.hasKey("s2", "sender-key-g1") {
		t.Error("transient key rows survived the purge")
	}
	if !f.creds.hasKey("s2", credential.RootKey) {
		t.Error("root credential row was purged; only transient material may go")
	}
	if got := f.creds.purgeArgs(0); len(got) != len(recovery.TransientKeyPrefixes) {
		t.Errorf("purge prefixes = %v, want %v", got, recovery.TransientKeyPrefixes)
	}

	// One failure past the threshold starts a new streak, no second purge.
	conn.Emit(network.StreamError{Err: errors.New("failed to decrypt message")})
	conn.Emit(network.Message{ID: "sync-b", ChatID: "c", SenderID: "peer1", Text: "y"})
	waitFor(t, func() bool { return f.handledCount() == 2 }, "pipeline stalled after the purge")
	if got := f.creds.purgeCount(); got != 1 {
		t.Errorf("purge count = %d, want exactly 1", got)
	}
}

func TestManager_RestoreAll(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(&domain.Session{ID: "s1", Status: domain.StatusConnected, AccountID: "a1"})
	f.repo.seed(&domain.Session{ID: "s2", Status: domain.StatusReconnecting})
	f.repo.seed(&domain.Session{ID: "s3", Status: domain.StatusLoggedOut})
	f.repo.seed(&domain.Session{ID: "s4", Status: domain.StatusInitializing})
	f.connector.Queue(networktest.NewConn())
	f.connector.Queue(networktest.NewConn())

	restored, err := f.manager.RestoreAll(context.Background())
	if err != nil {
		t.Fatalf("RestoreAll() returned error: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored = %d, want 2", restored)
	}
	if got := f.manager.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}

	opened := map[string]bool{}
	waitFor(t, func() bool { return len(f.connector.Opens()) == 2 }, "expected two restore attempts")
	for _, p := range f.connector.Opens() {
		opened[p.SessionID] = true
	}
	if !opened["s1"] || !opened["s2"] {
		t.Errorf("restored sessions = %v, want s1 and s2", opened)
	}
}

func TestManager_Stats(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(&domain.Session{ID: "s1", Status: domain.StatusConnected})
	f.repo.seed(&domain.Session{ID: "s2", Status: domain.StatusReconnecting})
	f.repo.seed(&domain.Session{ID: "s3", Status: domain.StatusLoggedOut})
	ctx := context.Background()
	_ = f.creds.Put(ctx, "s1", credential.RootKey, []byte("{}"))
	_ = f.creds.Put(ctx, "s2", credential.RootKey, []byte("{}"))
	_ = f.creds.Put(ctx, "s2", "pre-key-1", []byte("a"))

	stats, err := f.manager.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() returned error: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Connected != 1 {
		t.Errorf("Connected = %d, want 1", stats.Connected)
	}
	if stats.Credentialed != 2 {
		t.Errorf("Credentialed = %d, want 2", stats.Credentialed)
	}
}

func TestManager_Shutdown_PreservesCredentials(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "s1", "1555@network")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}

	if got := f.manager.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() after shutdown = %d, want 0", got)
	}
	if !f.creds.hasKey("s1", credential.RootKey) {
		t.Error("shutdown destroyed credentials; they must survive for restore")
	}
	if got := f.repo.statusOf("s1"); got != domain.StatusConnected {
		t.Errorf("persisted status = %s, want %s (restorable)", got, domain.StatusConnected)
	}

	if _, err := f.manager.CreateOrRestore(context.Background(), "s9", NopSink{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("CreateOrRestore() after shutdown error = %v, want %v", err, ErrShuttingDown)
	}
}

type memTelemetry struct {
	mu     sync.Mutex
	events []*telemetrydomain.Event
}

func (m *memTelemetry) Emit(ctx context.Context, ev *telemetrydomain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memTelemetry) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func TestManager_Telemetry_MirrorsLifecycle(t *testing.T) {
	feed := &memTelemetry{}
	f := newFixture(t, func(o *Options) { o.Telemetry = feed })
	conn, sink := f.connect(t, "s1", "1555@network")

	conn.EmitClosed(network.CauseLoggedOut, nil)
	sink.waitStatus(t, domain.StatusLoggedOut)

	waitFor(t, func() bool {
		types := feed.types()
		return contains(types, audit.EventSessionCreated) &&
			contains(types, audit.EventSessionConnected) &&
			contains(types, audit.EventSessionLoggedOut)
	}, "telemetry feed missing lifecycle events")

	feed.mu.Lock()
	defer feed.mu.Unlock()
	for _, ev := range feed.events {
		if ev.SessionID != "s1" {
			t.Errorf("event %s carries session %q, want s1", ev.Type, ev.SessionID)
		}
		if ev.ID == "" {
			t.Errorf("event %s has no id", ev.Type)
		}
		if ev.Type == audit.EventSessionConnected && ev.AccountID != "1555@network" {
			t.Errorf("connected event account = %q, want 1555@network", ev.AccountID)
		}
	}
}

func TestManager_Journal_RecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	conn, sink := f.connect(t, "s1", "1555@network")

	conn.EmitClosed(network.CauseLoggedOut, nil)
	sink.waitStatus(t, domain.StatusLoggedOut)

	waitFor(t, func() bool {
		types := f.journal.types()
		return contains(types, audit.EventSessionCreated) &&
			contains(types, audit.EventSessionConnected) &&
			contains(types, audit.EventSessionLoggedOut)
	}, "journal missing lifecycle events")
}

func TestManager_Observer_SeesEveryTransition(t *testing.T) {
	obs := newRecordingSink()
	f := newFixture(t, func(o *Options) { o.Observer = obs })

	conn, _ := f.connect(t, "s1", "1555@network")
	obs.waitStatus(t, domain.StatusConnected)

	conn.EmitClosed(network.CauseLoggedOut, nil)
	obs.waitStatus(t, domain.StatusLoggedOut)

	seen := obs.seen()
	if len(seen) == 0 || seen[0] != domain.StatusInitializing {
		t.Errorf("observer statuses = %v, want initializing first", seen)
	}
}

func TestManager_Observer_OfflineLogout(t *testing.T) {
	obs := newRecordingSink()
	f := newFixture(t, func(o *Options) { o.Observer = obs })
	f.repo.seed(&domain.Session{ID: "s1", AccountID: "1555@network", Status: domain.StatusReconnecting})

	if err := f.manager.Logout(context.Background(), "s1"); err != nil {
		t.Fatalf("Logout() returned error: %v", err)
	}
	obs.waitStatus(t, domain.StatusLoggedOut)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
