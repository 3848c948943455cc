package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watink/cmd/internal/clock"
	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

// startOptions are the socket options of the current attempt episode.
type startOptions struct {
	phone       string
	syncHistory bool
}

// actor owns one session. Every field below mailbox is only touched from run.
type actor struct {
	m   *Manager
	id  int64
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	// gone is set once the actor left the manager; it accepts no more work.
	gone bool

	tenant v1.TenantID
	fsm    machine
	opts   startOptions

	sock  protocol.Socket
	epoch uint64
	// ended is the socket a forced restart is waiting on.
	ended protocol.Socket

	announced  v1.Status
	lastQR     string
	qrAttempt  int
	self       *protocol.Contact
	selfAvatar string

	timers   []*clock.Timer
	timerGen uint64
	// armed counts scheduled callbacks that have not run or been stopped yet.
	armed int

	pairingAttempts int
	limiter         *rate.Limiter
}

func newActor(m *Manager, id int64) *actor {
	return &actor{
		m:       m,
		id:      id,
		log:     m.log.With("session_id", id),
		signal:  make(chan struct{}, 1),
		limiter: newSendLimiter(m.cfg.SendRateEvents, m.cfg.SendRateWindow),
	}
}

// post queues fn without blocking. Socket pumps and timers rely on that.
// It reports false when the actor was already reaped.
func (a *actor) post(fn func()) bool {
	a.mu.Lock()
	if a.gone {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the actor and waits for it.
func (a *actor) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !a.post(func() { res <- a.safe(fn) }) {
		return errActorGone
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.m.ctx.Done():
		return ErrShuttingDown
	}
}

func (a *actor) safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("session.panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session %d: panic: %v", a.id, r)
		}
	}()
	return fn()
}

func (a *actor) run() {
	for {
		select {
		case <-a.m.ctx.Done():
			return
		case <-a.signal:
		}

		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			fn := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.mu.Unlock()

			_ = a.safe(func() error { fn(); return nil })
		}

		if a.idle() && a.m.reap(a) {
			return
		}
	}
}

// idle reports whether the actor holds nothing worth keeping in memory: no
// socket and no pending timer. Only called from run.
func (a *actor) idle() bool {
	return a.sock == nil && !a.fsm.HasSocket && a.armed == 0
}

func (a *actor) setTenant(t v1.TenantID) {
	if t != "" {
		a.tenant = t
	}
}

func (a *actor) publish(ev v1.Event) {
	a.m.publish(a.tenant, a.id, ev)
}

// ---- commands ----

func (a *actor) handle(ctx context.Context, cmd v1.Command) error {
	switch c := cmd.(type) {
	case *v1.StartSession:
		a.start(c)
	case *v1.StopSession:
		a.apply(ctx, inStop{})
	case v1.SendCommand:
		a.send(ctx, c)
	case *v1.ContactSync:
		a.syncContact(ctx, c)
	case *v1.ContactImport:
		a.importContacts(ctx, c)
	case *v1.MarkAsRead:
		a.markAsRead(ctx, c)
	case *v1.HistorySync:
		a.syncHistory(ctx, c)
	default:
		return fmt.Errorf("%w: unhandled command %s", ErrInvalidPayload, cmd.CommandType())
	}
	return nil
}

func (a *actor) start(c *v1.StartSession) {
	if !a.fsm.HasSocket || c.Force {
		a.opts = startOptions{
			phone:       v1.DigitsOnly(c.PhoneNumber),
			syncHistory: c.SyncHistory,
		}
	}
	a.log.Info("session.start", "tenant_id", a.tenant, "force", c.Force, "pairing", c.UsePairingCode)
	a.apply(a.m.ctx, inStart{
		Force:     c.Force,
		Pairing:   c.UsePairingCode,
		KeepAlive: c.KeepAlive || a.m.cfg.KeepAlive,
	})
}

// shutdown ends the socket without touching auth state and returns it.
func (a *actor) shutdown() protocol.Socket {
	a.cancelTimers()
	s := a.sock
	if s == nil {
		return nil
	}
	a.fsm.Manual = true
	a.fsm.HasSocket = false
	a.sock = nil
	s.End(ErrShuttingDown)
	return s
}

// ---- state machine ----

func (a *actor) apply(ctx context.Context, in input) {
	next, effs := transition(a.fsm, in)
	a.fsm = next
	for _, e := range effs {
		a.exec(ctx, e)
	}
}

func (a *actor) exec(ctx context.Context, e effect) {
	switch e := e.(type) {
	case effAnnounce:
		a.announce(e.Status, e.Reason)

	case effReannounce:
		a.reannounce()

	case effEmitQR:
		a.emitQR()

	case effEmitPairingCode:
		if a.announced != v1.StatusPairing {
			a.announce(v1.StatusPairing, 0)
		}
		a.publish(v1.PairingCodeEvent{
			SessionID:   a.id,
			Status:      v1.StatusPairing,
			PairingCode: e.Code,
			PhoneNumber: a.opts.phone,
		})

	case effCreateSocket:
		a.createSocket()

	case effEndSocket:
		if a.sock != nil {
			a.ended = a.sock
			a.sock.End(errors.New("session stopped"))
			a.sock = nil
		}

	case effDropSocket:
		// Anything the dropped socket still reports belongs to a dead epoch.
		if a.sock != nil {
			a.epoch++
			a.sock.End(errors.New("connection closed"))
		}
		a.sock = nil
		a.self = nil
		a.lastQR = ""

	case effAwaitTeardown:
		a.awaitTeardown()

	case effWipeAuth:
		n, err := a.m.deps.Store.Cleanup(ctx, a.id)
		if err != nil {
			a.log.Error("session.auth.wipe_fail", "err", err)
			return
		}
		a.log.Info("session.auth.wiped", "keys", n)

	case effScheduleReconnect:
		reconnectsScheduled.Inc()
		a.log.Info("session.reconnect.scheduled", "delay", e.Delay, "retries", a.fsm.Retries)
		a.schedule(e.Delay, func() { a.apply(a.m.ctx, inReconnect{}) })

	case effScheduleFallback:
		a.schedule(e.Delay, func() { a.apply(a.m.ctx, inFallback{}) })

	case effRequestPairing:
		a.pairingAttempts = 0
		a.requestPairing()

	case effCancelTimers:
		a.cancelTimers()
	}
}

func (a *actor) announce(st v1.Status, reason protocol.DisconnectReason) {
	ev := v1.SessionStatusEvent{SessionID: a.id, Status: st}
	if st == v1.StatusConnected && a.self != nil {
		ev.Number = protocol.JIDUser(a.self.ID)
		ev.Name = a.self.DisplayName()
		ev.ProfilePicURL = a.selfAvatar
	}
	if reason != 0 {
		ev.Reason = reason.String()
		ev.StatusCode = int(reason)
	}

	if a.announced != st {
		if a.announced != "" {
			sessionsByStatus.WithLabelValues(string(a.announced)).Dec()
		}
		sessionsByStatus.WithLabelValues(string(st)).Inc()
		statusTransitions.WithLabelValues(string(st)).Inc()
	}
	a.announced = st
	a.log.Info("session.status", "status", st, "reason", ev.Reason)
	a.publish(ev)
}

// reannounce answers a start for a session that already has a socket.
func (a *actor) reannounce() {
	if a.fsm.Status == v1.StatusConnected {
		a.announce(v1.StatusConnected, 0)
		return
	}
	a.announce(v1.StatusOpening, 0)
	if a.lastQR != "" && a.fsm.Status == v1.StatusQRCode {
		a.publish(v1.QRCodeEvent{SessionID: a.id, Status: v1.StatusQRCode, QRCode: a.lastQR, Attempt: a.qrAttempt})
	}
}

func (a *actor) emitQR() {
	if a.announced != v1.StatusQRCode {
		a.announce(v1.StatusQRCode, 0)
	}
	a.qrAttempt++
	a.publish(v1.QRCodeEvent{SessionID: a.id, Status: v1.StatusQRCode, QRCode: a.lastQR, Attempt: a.qrAttempt})
}

func (a *actor) createSocket() {
	a.epoch++
	a.lastQR = ""
	a.qrAttempt = 0
	a.self = nil
	a.selfAvatar = ""
	a.pairingAttempts = 0

	s, err := a.m.deps.Factory.Create(a.m.ctx, a.id, a.m.deps.Store.ForSession(a.id), protocol.Options{
		PhoneNumber:     a.opts.phone,
		UsePairingCode:  a.fsm.Pairing,
		SyncFullHistory: a.opts.syncHistory,
		Browser:         a.m.cfg.Browser,
	})
	if err != nil {
		a.log.Warn("session.socket.create_fail", "err", err)
		a.apply(a.m.ctx, inClose{Reason: protocol.ReasonConnectionLost})
		return
	}

	a.sock = s
	a.log.Debug("session.socket.created", "epoch", a.epoch)
	go a.pump(s, a.epoch)
}

func (a *actor) awaitTeardown() {
	s := a.ended
	a.ended = nil
	if s == nil {
		return
	}
	select {
	case <-s.Done():
	case <-a.m.clock.After(a.m.cfg.ForceRestartGrace):
		a.log.Warn("session.teardown.timeout", "grace", a.m.cfg.ForceRestartGrace)
	case <-a.m.ctx.Done():
	}
}

// ---- timers ----

// schedule runs fn on the actor after d unless timers are cancelled first.
func (a *actor) schedule(d time.Duration, fn func()) {
	gen := a.timerGen
	a.armed++
	t := a.m.clock.AfterFunc(d, func() {
		a.post(func() {
			a.armed--
			if a.timerGen != gen {
				return
			}
			fn()
		})
	})
	a.timers = append(a.timers, t)
}

func (a *actor) cancelTimers() {
	for _, t := range a.timers {
		if t.Stop() {
			a.armed--
		}
	}
	a.timers = nil
	a.timerGen++
}

// ---- pairing ----

func (a *actor) requestPairing() {
	if a.sock == nil || a.fsm.Registered {
		return
	}
	a.pairingAttempts++

	ctx, cancel := context.WithTimeout(a.m.ctx, a.m.cfg.LookupTimeout*3)
	code, err := a.sock.RequestPairingCode(ctx, a.opts.phone)
	cancel()
	if err == nil {
		a.log.Info("session.pairing.code", "attempt", a.pairingAttempts)
		a.apply(a.m.ctx, inPairingCode{Code: code})
		return
	}

	if a.pairingAttempts >= pairingMaxAttempts {
		a.log.Error("session.pairing.fail", "attempts", a.pairingAttempts, "err", err)
		return
	}
	a.log.Warn("session.pairing.retry", "attempt", a.pairingAttempts, "err", err)
	a.schedule(pairingRetryDelay, a.requestPairing)
}

// ---- socket events ----

// pump forwards socket events into the mailbox, tagged with the socket epoch.
func (a *actor) pump(s protocol.Socket, epoch uint64) {
	for ev := range s.Events() {
		a.post(func() { a.onEvent(epoch, ev) })
	}
	a.post(func() {
		// The socket went away without reporting a close.
		if a.epoch == epoch && a.sock == s {
			a.log.Warn("session.socket.vanished")
			a.apply(a.m.ctx, inClose{Reason: protocol.ReasonConnectionLost})
		}
	})
}

func (a *actor) onEvent(epoch uint64, ev protocol.Event) {
	if epoch != a.epoch {
		return
	}
	ctx := a.m.ctx

	if u, ok := ev.(protocol.ConnectionUpdate); ok {
		a.onConnection(ctx, u)
		return
	}
	if a.sock == nil {
		return
	}

	switch ev := ev.(type) {
	case protocol.CredsUpdate:
		if len(ev.Creds) > 0 {
			if err := a.m.deps.Store.SaveCreds(ctx, a.id, ev.Creds); err != nil {
				a.log.Error("session.creds.save_fail", "err", err)
			}
		}
		if ev.Registered {
			a.apply(ctx, inRegistered{})
		}
	case protocol.MessagesUpsert:
		history := ev.Type == protocol.UpsertAppend
		for i := range ev.Messages {
			a.processMessage(ctx, &ev.Messages[i], normalizeOpts{history: history, download: !history})
		}
	case protocol.MessagesUpdate:
		a.onUpdates(ctx, ev)
	case protocol.Reactions:
		for _, r := range ev.Reactions {
			a.publish(a.reactionEvent(r.Key, r.Sender, r.Text, r.Timestamp.Int64()))
		}
	case protocol.ContactsUpdate:
		a.onContacts(ctx, ev.Contacts)
	case protocol.GroupsUpdate:
		a.onGroups(ev.Groups)
	case protocol.HistorySet:
		a.onHistory(ctx, ev)
	}
}

func (a *actor) onConnection(ctx context.Context, u protocol.ConnectionUpdate) {
	if u.QR != "" && a.sock != nil {
		a.lastQR = u.QR
		a.apply(ctx, inQR{})
	}

	switch u.Connection {
	case protocol.ConnOpen:
		if a.sock == nil {
			return
		}
		a.self = a.sock.Self()
		if a.self != nil {
			a.selfAvatar = a.avatar(ctx, protocol.NormalizeJID(a.self.ID))
		}
		a.lastQR = ""
		a.log.Info("session.open", "new_login", u.IsNewLogin)
		a.apply(ctx, inOpen{})

	case protocol.ConnClose:
		reason := u.Reason
		if reason == 0 {
			reason = protocol.ReasonConnectionLost
		}
		a.log.Info("session.close", "reason", reason.String(), "err", u.Err)
		a.apply(ctx, inClose{Reason: reason})
	}
}

func (a *actor) connected() bool {
	return a.sock != nil && a.fsm.Status == v1.StatusConnected
}
