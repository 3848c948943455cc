package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"watink/cmd/internal/protocol"
)

type fakeAuth struct {
	mu    sync.Mutex
	creds json.RawMessage
	keys  map[string]map[string]json.RawMessage
}

func (a *fakeAuth) ReadCreds(context.Context) (json.RawMessage, error) { return a.creds, nil }

func (a *fakeAuth) SaveCreds(_ context.Context, c json.RawMessage) error {
	a.creds = c
	return nil
}

func (a *fakeAuth) GetKeys(_ context.Context, category string, ids []string) (map[string]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]json.RawMessage{}
	for _, id := range ids {
		if v, ok := a.keys[category][id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (a *fakeAuth) SetKeys(_ context.Context, data map[string]map[string]json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keys == nil {
		a.keys = map[string]map[string]json.RawMessage{}
	}
	for cat, entries := range data {
		if a.keys[cat] == nil {
			a.keys[cat] = map[string]json.RawMessage{}
		}
		for id, v := range entries {
			a.keys[cat][id] = v
		}
	}
	return nil
}

func (a *fakeAuth) LookupMessage(context.Context, string, string) (json.RawMessage, error) {
	return nil, nil
}

// sidecar runs script against every accepted connection.
func sidecar(t *testing.T, script func(ctx context.Context, conn *websocket.Conn) error) (string, <-chan error) {
	t.Helper()
	errs := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			errs <- err
			return
		}
		defer func() { _ = conn.CloseNow() }()
		errs <- script(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), errs
}

func expectFrame(ctx context.Context, conn *websocket.Conn, method string) (frame, error) {
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		return f, err
	}
	if f.Method != method {
		return f, errors.New("got method " + f.Method + " want " + method)
	}
	return f, nil
}

func nextEvent(t *testing.T, s protocol.Socket) (protocol.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil, false
	}
}

func TestBridgeSessionFlow(t *testing.T) {
	const msgID = "3EB0AABBCCDDEEFF001122"

	url, errs := sidecar(t, func(ctx context.Context, conn *websocket.Conn) error {
		open, err := expectFrame(ctx, conn, methodSessionOpen)
		if err != nil {
			return err
		}
		var p openParams
		if err := json.Unmarshal(open.Params, &p); err != nil || p.SessionID != 42 {
			return errors.New("bad open params: " + string(open.Params))
		}

		// Load creds and keys before answering the open, as a real client does.
		if err := wsjson.Write(ctx, conn, frame{ID: "s1", Method: methodAuthCredsRead}); err != nil {
			return err
		}
		var creds frame
		if err := wsjson.Read(ctx, conn, &creds); err != nil {
			return err
		}
		if creds.ID != "s1" || !strings.Contains(string(creds.Result), `"registered":false`) {
			return errors.New("bad creds response: " + string(creds.Result))
		}

		if err := wsjson.Write(ctx, conn, frame{ID: "s2", Method: "auth.nope"}); err != nil {
			return err
		}
		var nope frame
		if err := wsjson.Read(ctx, conn, &nope); err != nil {
			return err
		}
		if nope.Error == nil || nope.Error.Code != codeMethodNotFound {
			return errors.New("expected method_not_found")
		}

		if err := wsjson.Write(ctx, conn, frame{ID: open.ID, Result: json.RawMessage(`{}`)}); err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, frame{Event: "connection.update", Data: json.RawMessage(`{"qr":"QR-1"}`)}); err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, frame{Event: "some.unknown", Data: json.RawMessage(`{}`)}); err != nil {
			return err
		}

		send, err := expectFrame(ctx, conn, methodMessageSend)
		if err != nil {
			return err
		}
		var sp struct {
			JID     string               `json:"jid"`
			Options protocol.SendOptions `json:"options"`
		}
		if err := json.Unmarshal(send.Params, &sp); err != nil {
			return err
		}
		result := mustJSON(protocol.Message{Key: protocol.MessageKey{RemoteJID: sp.JID, FromMe: true, ID: sp.Options.MessageID}})
		if err := wsjson.Write(ctx, conn, frame{ID: send.ID, Result: result}); err != nil {
			return err
		}

		pic, err := expectFrame(ctx, conn, methodProfilePicture)
		if err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, frame{ID: pic.ID, Error: &frameError{Code: codeNotFound, Message: "no picture"}}); err != nil {
			return err
		}

		return conn.Close(websocket.StatusGoingAway, "sidecar restarting")
	})

	f, err := New(Config{URL: url, CallTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	sock, err := f.Create(ctx, 42, &fakeAuth{creds: json.RawMessage(`{"registered":false}`)}, protocol.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev, _ := nextEvent(t, sock)
	if cu, ok := ev.(protocol.ConnectionUpdate); !ok || cu.QR != "QR-1" {
		t.Fatalf("first event=%#v want QR-1", ev)
	}

	sent, err := sock.SendMessage(ctx, "5511@s.whatsapp.net", protocol.OutgoingMessage{Text: "hi"}, protocol.SendOptions{MessageID: msgID})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.Key.ID != msgID || !sent.Key.FromMe {
		t.Fatalf("SendMessage key=%+v", sent.Key)
	}

	if _, err := sock.ProfilePictureURL(ctx, "5511@s.whatsapp.net"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("ProfilePictureURL err=%v want ErrNotFound", err)
	}

	ev, _ = nextEvent(t, sock)
	cu, ok := ev.(protocol.ConnectionUpdate)
	if !ok || cu.Connection != protocol.ConnClose || cu.Reason != protocol.ReasonConnectionLost {
		t.Fatalf("close event=%#v", ev)
	}
	if _, ok := nextEvent(t, sock); ok {
		t.Fatalf("events should be closed after transport loss")
	}

	select {
	case <-sock.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done not closed")
	}
	if err := <-errs; err != nil {
		t.Fatalf("sidecar: %v", err)
	}

	if _, err := sock.OnWhatsApp(ctx, "5511"); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("OnWhatsApp after close err=%v want ErrClosed", err)
	}
}

func TestBridgeEndSendsSessionEnd(t *testing.T) {
	ended := make(chan struct{})
	url, errs := sidecar(t, func(ctx context.Context, conn *websocket.Conn) error {
		open, err := expectFrame(ctx, conn, methodSessionOpen)
		if err != nil {
			return err
		}
		me := `{"me":{"id":"5511999990000:3@s.whatsapp.net","name":"Ops"}}`
		if err := wsjson.Write(ctx, conn, frame{ID: open.ID, Result: json.RawMessage(me)}); err != nil {
			return err
		}
		if _, err := expectFrame(ctx, conn, methodSessionEnd); err != nil {
			return err
		}
		close(ended)
		return nil
	})

	f, err := New(Config{URL: url})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sock, err := f.Create(context.Background(), 7, &fakeAuth{}, protocol.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if me := sock.Self(); me == nil || me.Name != "Ops" {
		t.Fatalf("Self()=%+v", me)
	}

	sock.End(errors.New("stop requested"))
	sock.End(nil)

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatalf("sidecar never saw session.end")
	}

	ev, _ := nextEvent(t, sock)
	if cu, ok := ev.(protocol.ConnectionUpdate); !ok || cu.Reason != protocol.ReasonConnectionClosed {
		t.Fatalf("close event=%#v", ev)
	}
	<-sock.Done()
	if err := <-errs; err != nil {
		t.Fatalf("sidecar: %v", err)
	}
}

func TestBridgeClosePushTearsDownSocket(t *testing.T) {
	peerClosed := make(chan websocket.StatusCode, 1)
	url, errs := sidecar(t, func(ctx context.Context, conn *websocket.Conn) error {
		open, err := expectFrame(ctx, conn, methodSessionOpen)
		if err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, frame{ID: open.ID, Result: json.RawMessage(`{}`)}); err != nil {
			return err
		}
		push := `{"connection":"close","statusCode":515,"error":"restart required"}`
		if err := wsjson.Write(ctx, conn, frame{Event: "connection.update", Data: json.RawMessage(push)}); err != nil {
			return err
		}
		// The client must hang up on its own; the sidecar never closes here.
		var f frame
		err = wsjson.Read(ctx, conn, &f)
		peerClosed <- websocket.CloseStatus(err)
		return nil
	})

	f, err := New(Config{URL: url, CallTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sock, err := f.Create(context.Background(), 9, &fakeAuth{}, protocol.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev, _ := nextEvent(t, sock)
	if cu, ok := ev.(protocol.ConnectionUpdate); !ok || cu.Reason != protocol.ReasonRestartRequired {
		t.Fatalf("close event=%#v", ev)
	}
	if ev, ok := nextEvent(t, sock); ok {
		t.Fatalf("unexpected event after close push: %#v", ev)
	}

	select {
	case <-sock.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done not closed after close push")
	}
	select {
	case code := <-peerClosed:
		if code != websocket.StatusNormalClosure {
			t.Fatalf("sidecar saw close status %v want normal closure", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sidecar connection still open after close push")
	}
	if err := <-errs; err != nil {
		t.Fatalf("sidecar: %v", err)
	}
}

func TestBridgeCreateFailsOnOpenError(t *testing.T) {
	url, _ := sidecar(t, func(ctx context.Context, conn *websocket.Conn) error {
		open, err := expectFrame(ctx, conn, methodSessionOpen)
		if err != nil {
			return err
		}
		return wsjson.Write(ctx, conn, frame{ID: open.ID, Error: &frameError{Code: codeInternal, Message: "boom"}})
	})

	f, err := New(Config{URL: url})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = f.Create(context.Background(), 1, &fakeAuth{}, protocol.Options{})
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != codeInternal {
		t.Fatalf("Create err=%v want RemoteError internal", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "ws://"} {
		if _, err := New(Config{URL: u}); err == nil {
			t.Fatalf("New(%q) should fail", u)
		}
	}
}

func TestDecodePush(t *testing.T) {
	cases := []struct {
		event, data string
		check       func(protocol.Event, *protocol.Contact) bool
	}{
		{"connection.update", `{"connection":"open","me":{"id":"1@s.whatsapp.net"}}`, func(e protocol.Event, me *protocol.Contact) bool {
			cu, ok := e.(protocol.ConnectionUpdate)
			return ok && cu.Connection == protocol.ConnOpen && me != nil && me.ID == "1@s.whatsapp.net"
		}},
		{"connection.update", `{"connection":"close","statusCode":401}`, func(e protocol.Event, _ *protocol.Contact) bool {
			cu, ok := e.(protocol.ConnectionUpdate)
			return ok && cu.Reason == protocol.ReasonLoggedOut
		}},
		{"messages.upsert", `{"type":"notify","messages":[{"key":{"remoteJid":"a@s.whatsapp.net","id":"X"},"messageTimestamp":"17"}]}`, func(e protocol.Event, _ *protocol.Contact) bool {
			mu, ok := e.(protocol.MessagesUpsert)
			return ok && len(mu.Messages) == 1 && mu.Messages[0].Timestamp == 17
		}},
		{"messages.update", `{"updates":[{"key":{"id":"X"},"status":3}]}`, func(e protocol.Event, _ *protocol.Contact) bool {
			mu, ok := e.(protocol.MessagesUpdate)
			return ok && *mu.Updates[0].Status == 3
		}},
		{"contacts.update", `{"contacts":[{"id":"a@s.whatsapp.net","notify":"A"}]}`, func(e protocol.Event, _ *protocol.Contact) bool {
			_, ok := e.(protocol.ContactsUpdate)
			return ok
		}},
		{"groups.upsert", `{"groups":[{"id":"g@g.us","subject":"S"}]}`, func(e protocol.Event, _ *protocol.Contact) bool {
			_, ok := e.(protocol.GroupsUpdate)
			return ok
		}},
		{"creds.update", `{"creds":{"me":{"id":"9@s.whatsapp.net"}},"registered":true}`, func(e protocol.Event, me *protocol.Contact) bool {
			cu, ok := e.(protocol.CredsUpdate)
			return ok && cu.Registered && me != nil && me.ID == "9@s.whatsapp.net"
		}},
		{"messaging-history.set", `{"messages":[],"progress":50,"isLatest":true}`, func(e protocol.Event, _ *protocol.Contact) bool {
			hs, ok := e.(protocol.HistorySet)
			return ok && hs.Progress == 50 && hs.IsLatest
		}},
		{"presence.update", `{}`, func(e protocol.Event, _ *protocol.Contact) bool { return e == nil }},
	}

	for _, tc := range cases {
		ev, me, err := decodePush(tc.event, json.RawMessage(tc.data))
		if err != nil {
			t.Fatalf("decodePush(%q): %v", tc.event, err)
		}
		if !tc.check(ev, me) {
			t.Fatalf("decodePush(%q)=%#v,%+v", tc.event, ev, me)
		}
	}

	if _, _, err := decodePush("messages.upsert", json.RawMessage(`{"messages":"x"}`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
