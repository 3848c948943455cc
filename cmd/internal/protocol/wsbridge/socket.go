package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"watink/cmd/internal/protocol"
)

// socket is one sidecar connection. Calls are multiplexed by frame id; pushes are
// delivered on events in arrival order.
type socket struct {
	cfg       Config
	log       *slog.Logger
	conn      *websocket.Conn
	sessionID int64
	auth      protocol.AuthState

	ctx    context.Context
	cancel context.CancelFunc

	out    chan frame
	events chan protocol.Event
	done   chan struct{}

	closeOnce sync.Once
	seq       atomic.Uint64

	mu        sync.Mutex
	pending   map[string]chan frame
	self      *protocol.Contact
	closeSeen bool
	endReason error
}

func newSocket(cfg Config, log *slog.Logger, conn *websocket.Conn, sessionID int64, auth protocol.AuthState) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		cfg:       cfg,
		log:       log,
		conn:      conn,
		sessionID: sessionID,
		auth:      auth,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan frame, cfg.SendQueueSize),
		events:    make(chan protocol.Event, defaultEventBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]chan frame),
	}
}

func (s *socket) Events() <-chan protocol.Event { return s.events }
func (s *socket) Done() <-chan struct{}         { return s.done }

func (s *socket) Self() *protocol.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == nil {
		return nil
	}
	c := *s.self
	return &c
}

func (s *socket) setSelf(c *protocol.Contact) {
	if c == nil || c.ID == "" {
		return
	}
	s.mu.Lock()
	cp := *c
	s.self = &cp
	s.mu.Unlock()
}

// End asks the sidecar to close the session, then drops the connection.
func (s *socket) End(reason error) {
	s.mu.Lock()
	if s.endReason == nil {
		if reason == nil {
			reason = errors.New("ended")
		}
		s.endReason = reason
	}
	s.mu.Unlock()

	select {
	case <-s.ctx.Done():
		return
	case s.out <- frame{Method: methodSessionEnd, Params: mustJSON(map[string]string{"reason": reason.Error()})}:
	default:
		s.shutdown(websocket.StatusNormalClosure, "session end")
		return
	}
	time.AfterFunc(closeGrace, func() { s.shutdown(websocket.StatusNormalClosure, "session end") })
}

// ---- calls ----

func (s *socket) SendMessage(ctx context.Context, jid string, msg protocol.OutgoingMessage, opts protocol.SendOptions) (*protocol.Message, error) {
	var out protocol.Message
	err := s.call(ctx, methodMessageSend, struct {
		JID     string                   `json:"jid"`
		Content protocol.OutgoingMessage `json:"content"`
		Options protocol.SendOptions     `json:"options"`
	}{jid, msg, opts}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *socket) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	if err := s.call(ctx, methodPairingRequest, map[string]string{"phoneNumber": phoneNumber}, &out); err != nil {
		return "", err
	}
	if out.Code == "" {
		return "", fmt.Errorf("wsbridge: %s: empty code", methodPairingRequest)
	}
	return out.Code, nil
}

func (s *socket) OnWhatsApp(ctx context.Context, jids ...string) ([]protocol.DirectoryEntry, error) {
	var out []protocol.DirectoryEntry
	if err := s.call(ctx, methodOnWhatsApp, map[string][]string{"jids": jids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *socket) ResolveLIDs(ctx context.Context, jids []string) ([]protocol.LIDMapping, error) {
	var out []protocol.LIDMapping
	if err := s.call(ctx, methodResolveLIDs, map[string][]string{"jids": jids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *socket) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := s.call(ctx, methodProfilePicture, map[string]string{"jid": jid}, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", protocol.ErrNotFound
	}
	return out.URL, nil
}

func (s *socket) GroupMetadata(ctx context.Context, jid string) (*protocol.GroupInfo, error) {
	var out protocol.GroupInfo
	if err := s.call(ctx, methodGroupMetadata, map[string]string{"jid": jid}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *socket) DownloadMedia(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	if err := s.call(ctx, methodMediaDownload, map[string]*protocol.Message{"message": msg}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (s *socket) ReadMessages(ctx context.Context, keys []protocol.MessageKey) error {
	return s.call(ctx, methodMessagesRead, map[string][]protocol.MessageKey{"keys": keys}, nil)
}

func (s *socket) FetchMessageHistory(ctx context.Context, req protocol.HistoryRequest) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	if err := s.call(ctx, methodHistoryFetch, req, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// call sends one request and waits for its response, bounded by the call timeout.
func (s *socket) call(ctx context.Context, method string, params any, out any) error {
	if s.ctx.Err() != nil {
		return protocol.ErrClosed
	}

	p, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("wsbridge: %s: marshal params: %w", method, err)
	}

	id := strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	select {
	case s.out <- frame{ID: id, Method: method, Params: p}:
	case <-ctx.Done():
		return fmt.Errorf("wsbridge: %s: %w", method, ctx.Err())
	case <-s.ctx.Done():
		return protocol.ErrClosed
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &RemoteError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("wsbridge: %s: decode result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wsbridge: %s: %w", method, ctx.Err())
	case <-s.ctx.Done():
		return protocol.ErrClosed
	}
}

// ---- loops ----

func (s *socket) start() {
	writerDone := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go s.writeLoop(writerDone)
	go s.heartbeatLoop(heartbeatDone)
	go s.readLoop(writerDone, heartbeatDone)
}

// shutdown is idempotent.
func (s *socket) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}

func (s *socket) writeLoop(done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.out:
			if err := writeFrame(s.ctx, s.conn, f, s.cfg.WriteTimeout); err != nil {
				s.log.Info("bridge.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if f.Method == methodSessionEnd {
				s.shutdown(websocket.StatusNormalClosure, "session end")
				return
			}
		}
	}
}

func (s *socket) heartbeatLoop(done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(s.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("bridge.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *socket) readLoop(writerDone, heartbeatDone <-chan struct{}) {
	lossReason := protocol.ReasonConnectionLost

readLoop:
	for {
		f, err := readFrame(s.ctx, s.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				s.log.Warn("bridge.read.bad_frame", "err", err)
				continue readLoop
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.log.Info("bridge.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		switch {
		case f.isResponse():
			s.resolve(f)
		case f.isRequest():
			go s.serve(f)
		case f.isPush():
			s.dispatch(f)
		default:
			s.log.Debug("bridge.read.ignored")
		}
	}

	<-writerDone
	<-heartbeatDone

	s.mu.Lock()
	closeSeen := s.closeSeen
	if s.endReason != nil {
		lossReason = protocol.ReasonConnectionClosed
	}
	s.pending = map[string]chan frame{}
	s.mu.Unlock()

	if !closeSeen {
		s.deliver(protocol.ConnectionUpdate{Connection: protocol.ConnClose, Reason: lossReason, Err: "bridge connection lost"})
	}
	close(s.events)
	close(s.done)
	s.log.Info("bridge.session.closed", "reason", lossReason.String())
}

func (s *socket) resolve(f frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("bridge.response.orphan", "id", f.ID)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (s *socket) dispatch(f frame) {
	ev, me, err := decodePush(f.Event, f.Data)
	if err != nil {
		s.log.Warn("bridge.push.decode_fail", "event", f.Event, "err", err)
		return
	}
	if ev == nil {
		s.log.Debug("bridge.push.ignored", "event", f.Event)
		return
	}
	s.setSelf(me)
	cu, ok := ev.(protocol.ConnectionUpdate)
	closing := ok && cu.Connection == protocol.ConnClose
	if closing {
		s.mu.Lock()
		s.closeSeen = true
		s.mu.Unlock()
	}
	s.deliver(ev)
	// A close push is terminal for this socket; the session reconnects on a fresh one.
	if closing {
		s.shutdown(websocket.StatusNormalClosure, "closed by sidecar")
	}
}

// deliver blocks until the consumer takes ev. The consumer drains until the
// channel is closed, so this only stalls when the consumer itself is stalled.
func (s *socket) deliver(ev protocol.Event) {
	select {
	case s.events <- ev:
	case <-time.After(s.cfg.CallTimeout):
		s.log.Warn("bridge.event.dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *socket) reply(f frame) {
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
