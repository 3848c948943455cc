package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"watink/cmd/internal/protocol"
)

// Gateway to sidecar.
const (
	methodSessionOpen    = "session.open"
	methodSessionEnd     = "session.end"
	methodMessageSend    = "message.send"
	methodPairingRequest = "pairing.request"
	methodOnWhatsApp     = "directory.onWhatsApp"
	methodResolveLIDs    = "directory.resolveLids"
	methodProfilePicture = "directory.profilePicture"
	methodGroupMetadata  = "group.metadata"
	methodMediaDownload  = "media.download"
	methodMessagesRead   = "messages.read"
	methodHistoryFetch   = "history.fetch"
)

// Sidecar to gateway.
const (
	methodAuthCredsRead  = "auth.creds.read"
	methodAuthKeysGet    = "auth.keys.get"
	methodAuthKeysSet    = "auth.keys.set"
	methodAuthMessageGet = "auth.message.get"
)

// Error codes carried in frameError.Code.
const (
	codeNotFound       = "not_found"
	codeBadParams      = "bad_params"
	codeMethodNotFound = "method_not_found"
	codeInternal       = "internal"
)

// frame is the single wire unit. A request has ID and Method, a response has ID
// and Result or Error, a push has Event and Data.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f frame) isResponse() bool { return f.ID != "" && f.Method == "" }
func (f frame) isRequest() bool  { return f.ID != "" && f.Method != "" }
func (f frame) isPush() bool     { return f.Event != "" }

// RemoteError is an error answered by the sidecar.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wsbridge: %s: %s: %s", e.Method, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Code == codeNotFound {
		return protocol.ErrNotFound
	}
	return nil
}

// ---- pushes ----

type connectionPush struct {
	protocol.ConnectionUpdate
	Me *protocol.Contact `json:"me,omitempty"`
}

type credsPush struct {
	Me *protocol.Contact `json:"me,omitempty"`
}

// decodePush maps a sidecar push to a protocol event. Unknown events return
// (nil, nil) and are ignored by the caller.
func decodePush(event string, data json.RawMessage) (protocol.Event, *protocol.Contact, error) {
	switch event {
	case "connection.update":
		var p connectionPush
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, nil, err
		}
		return p.ConnectionUpdate, p.Me, nil
	case "messages.upsert":
		var ev protocol.MessagesUpsert
		err := json.Unmarshal(data, &ev)
		return ev, nil, err
	case "messages.update":
		var ev protocol.MessagesUpdate
		err := json.Unmarshal(data, &ev)
		return ev, nil, err
	case "messages.reaction":
		var ev protocol.Reactions
		err := json.Unmarshal(data, &ev)
		return ev, nil, err
	case "contacts.upsert", "contacts.update":
		var ev protocol.ContactsUpdate
		err := json.Unmarshal(data, &ev)
		return ev, nil, err
	case "groups.upsert", "groups.update":
		var ev protocol.GroupsUpdate
		err := json.Unmarshal(data, &ev)
		return ev, nil, err
	case "creds.update":
		var ev protocol.CredsUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, nil, err
		}
		var c credsPush
		_ = json.Unmarshal(ev.Creds, &c)
		return ev, c.Me, nil
	case "messaging-history.set":
		var ev protocol.HistorySet
		err := json.Unmarshal(data, &ev)
		return ev, nil, err
	default:
		return nil, nil, nil
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return frame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, &badFrameError{err: err}
	}
	return f, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badFrameError struct{ err error }

func (e *badFrameError) Error() string { return "bad frame: " + e.err.Error() }
func (e *badFrameError) Unwrap() error { return e.err }

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad *badFrameError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
