package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"watink/cmd/internal/authstate"
	"watink/cmd/internal/clock"
	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

// ---- socket ----

type sentCall struct {
	JID  string
	Msg  protocol.OutgoingMessage
	Opts protocol.SendOptions
}

type fakeSocket struct {
	events  chan protocol.Event
	done    chan struct{}
	endOnce sync.Once

	mu           sync.Mutex
	self         *protocol.Contact
	sent         []sentCall
	sendErr      error
	pairingCalls int
	pairingErr   error
	directory    map[string]protocol.DirectoryEntry
	lids         map[string]string
	avatars      map[string]string
	groups       map[string]*protocol.GroupInfo
	media        []byte
	reads        [][]protocol.MessageKey
	historyReqs  []protocol.HistoryRequest
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		events:    make(chan protocol.Event, 64),
		done:      make(chan struct{}),
		directory: map[string]protocol.DirectoryEntry{},
		lids:      map[string]string{},
		avatars:   map[string]string{},
		groups:    map[string]*protocol.GroupInfo{},
	}
}

func (s *fakeSocket) push(ev protocol.Event) { s.events <- ev }

// closeWith reports a close and tears the socket down.
func (s *fakeSocket) closeWith(reason protocol.DisconnectReason) {
	s.endOnce.Do(func() {
		s.events <- protocol.ConnectionUpdate{Connection: protocol.ConnClose, Reason: reason}
		close(s.events)
		close(s.done)
	})
}

func (s *fakeSocket) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) setSelf(c *protocol.Contact) {
	s.mu.Lock()
	s.self = c
	s.mu.Unlock()
}

func (s *fakeSocket) setAvatar(jid, url string) {
	s.mu.Lock()
	s.avatars[jid] = url
	s.mu.Unlock()
}

func (s *fakeSocket) setDirectory(jid string, e protocol.DirectoryEntry) {
	s.mu.Lock()
	s.directory[jid] = e
	s.mu.Unlock()
}

func (s *fakeSocket) sends() []sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentCall(nil), s.sent...)
}

func (s *fakeSocket) pairings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCalls
}

func (s *fakeSocket) Events() <-chan protocol.Event { return s.events }
func (s *fakeSocket) Done() <-chan struct{}         { return s.done }
func (s *fakeSocket) End(error)                     { s.closeWith(protocol.ReasonConnectionClosed) }

func (s *fakeSocket) Self() *protocol.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *fakeSocket) SendMessage(_ context.Context, jid string, msg protocol.OutgoingMessage, opts protocol.SendOptions) (*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, sentCall{JID: jid, Msg: msg, Opts: opts})
	return &protocol.Message{
		Key:       protocol.MessageKey{RemoteJID: jid, FromMe: true, ID: opts.MessageID},
		Timestamp: 1_700_000_000,
	}, nil
}

func (s *fakeSocket) RequestPairingCode(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCalls++
	if s.pairingErr != nil {
		return "", s.pairingErr
	}
	return "ABCD-1234", nil
}

func (s *fakeSocket) OnWhatsApp(_ context.Context, jids ...string) ([]protocol.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.DirectoryEntry, 0, len(jids))
	for _, j := range jids {
		if e, ok := s.directory[j]; ok {
			out = append(out, e)
			continue
		}
		out = append(out, protocol.DirectoryEntry{JID: j, Exists: true})
	}
	return out, nil
}

func (s *fakeSocket) ResolveLIDs(_ context.Context, jids []string) ([]protocol.LIDMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.LIDMapping
	for _, j := range jids {
		if lid, ok := s.lids[j]; ok {
			out = append(out, protocol.LIDMapping{JID: j, LID: lid})
		}
	}
	return out, nil
}

func (s *fakeSocket) ProfilePictureURL(_ context.Context, jid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.avatars[jid]; ok {
		return u, nil
	}
	return "", protocol.ErrNotFound
}

func (s *fakeSocket) GroupMetadata(_ context.Context, jid string) (*protocol.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[jid]; ok {
		return g, nil
	}
	return nil, protocol.ErrNotFound
}

func (s *fakeSocket) DownloadMedia(context.Context, *protocol.Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		return nil, errors.New("media expired")
	}
	return s.media, nil
}

func (s *fakeSocket) ReadMessages(_ context.Context, keys []protocol.MessageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, keys)
	return nil
}

func (s *fakeSocket) FetchMessageHistory(_ context.Context, req protocol.HistoryRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyReqs = append(s.historyReqs, req)
	return "req-1", nil
}

// ---- factory ----

type fakeFactory struct {
	mu      sync.Mutex
	fail    int
	opts    []protocol.Options
	created chan *fakeSocket
	prepare func(*fakeSocket)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeSocket, 16)}
}

func (f *fakeFactory) Create(_ context.Context, _ int64, _ protocol.AuthState, opts protocol.Options) (protocol.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("dial refused")
	}
	s := newFakeSocket()
	if f.prepare != nil {
		f.prepare(s)
	}
	f.created <- s
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opts)
}

func (f *fakeFactory) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-f.created:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no socket created")
		return nil
	}
}

// ---- publisher ----

type published struct {
	key string
	env v1.Envelope
}

type capturePublisher struct {
	mu   sync.Mutex
	list []published
}

func (p *capturePublisher) PublishEvent(_ context.Context, key string, env v1.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = append(p.list, published{key: key, env: env})
	return nil
}

func (p *capturePublisher) ofType(typ string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.list {
		if e.env.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (p *capturePublisher) count(typ string) int { return len(p.ofType(typ)) }

func (p *capturePublisher) statuses(t *testing.T) []v1.Status {
	t.Helper()
	var out []v1.Status
	for _, e := range p.ofType(v1.TypeSessionStatus) {
		out = append(out, decode[v1.SessionStatusEvent](t, e.env).Status)
	}
	return out
}

// waitFor blocks until at least n events of typ were published.
func (p *capturePublisher) waitFor(t *testing.T, typ string, n int) []published {
	t.Helper()
	require.Eventually(t, func() bool { return p.count(typ) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events", n, typ)
	return p.ofType(typ)
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

// ---- harness ----

type harness struct {
	m       *Manager
	factory *fakeFactory
	pub     *capturePublisher
	store   *authstate.Store
	clock   *clock.Fake
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := authstate.New(authstate.NewMemoryKV(clk))
	require.NoError(t, err)

	h := &harness{factory: newFakeFactory(), pub: &capturePublisher{}, store: st, clock: clk}
	h.m, err = New(cfg, Deps{
		Factory:   h.factory,
		Store:     st,
		Publisher: h.pub,
		Clock:     clk,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) handle(t *testing.T, typ string, payload any) error {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.m.Handle(context.Background(), v1.Envelope{
		ID:        "01J0000000000000000000TEST",
		Timestamp: h.clock.Now().UnixMilli(),
		TenantID:  "acme",
		Type:      typ,
		Payload:   raw,
	})
}

// connect starts session id and drives it to CONNECTED as account 5511999990000.
func (h *harness) connect(t *testing.T, id int64) *fakeSocket {
	t.Helper()
	require.NoError(t, h.handle(t, v1.TypeSessionStart, map[string]any{"sessionId": id}))
	s := h.factory.next(t)
	s.setSelf(&protocol.Contact{ID: "5511999990000:7@s.whatsapp.net", Name: "Acme Support"})
	s.push(protocol.ConnectionUpdate{Connection: protocol.ConnOpen})
	h.waitStatus(t, id, v1.StatusConnected)
	return s
}

func (h *harness) waitStatus(t *testing.T, id int64, want v1.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _, err := h.m.Status(context.Background(), id)
		return err == nil && st == want
	}, 2*time.Second, 5*time.Millisecond, "session %d never reached %s", id, want)
}

// barrier pushes a contact update and waits for it, so every event pushed
// before it has been processed.
func (h *harness) barrier(t *testing.T, s *fakeSocket) {
	t.Helper()
	n := h.pub.count(v1.TypeContactUpdate)
	s.push(protocol.ContactsUpdate{Contacts: []protocol.Contact{{ID: "barrier@s.whatsapp.net"}}})
	h.pub.waitFor(t, v1.TypeContactUpdate, n+1)
}
