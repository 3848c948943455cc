// Package session runs messaging sessions: one actor per session id owns the
// socket, the connection state machine and the timers, and turns commands and
// socket events into bus events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"watink/cmd/internal/authstate"
	"watink/cmd/internal/clock"
	"watink/cmd/internal/ids"
	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

const (
	defaultForceRestartGrace = 5 * time.Second
	defaultLookupTimeout     = 5 * time.Second
	defaultDedupTTL          = 10 * time.Second
	defaultAvatarTTL         = time.Hour
	defaultLIDTTL            = 24 * time.Hour
	negativeLookupTTL        = 10 * time.Minute
	finishedStatusTTL        = time.Hour
)

// Publisher sends one event envelope. It is implemented by the bus client.
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, env v1.Envelope) error
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Namespace string

	// KeepAlive makes every session retry forever, as if each start asked for it.
	KeepAlive bool

	ForceRestartGrace time.Duration
	LookupTimeout     time.Duration
	SendRateEvents    int
	SendRateWindow    time.Duration
	DedupTTL          time.Duration
	AvatarTTL         time.Duration
	LIDTTL            time.Duration

	Browser string
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Factory   protocol.Factory
	Store     *authstate.Store
	Publisher Publisher
	Clock     clock.Clock
	Log       *slog.Logger
}

// Manager routes commands to per-session actors.
type Manager struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[int64]*actor
	closed bool
	// finished keeps the last status of reaped sessions for Status.
	finished *cache.Cache

	// dedup holds ids of our own sends so their inbound echo can be dropped.
	dedup    *cache.Cache
	avatars  *cache.Cache
	lids     *cache.Cache
	avatarSF singleflight.Group
	lidSF    singleflight.Group
}

// New validates deps and returns a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.New("session: nil protocol factory")
	}
	if deps.Store == nil {
		return nil, errors.New("session: nil auth store")
	}
	if deps.Publisher == nil {
		return nil, errors.New("session: nil publisher")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = v1.DefaultNamespace
	}
	if cfg.ForceRestartGrace <= 0 {
		cfg.ForceRestartGrace = defaultForceRestartGrace
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	if cfg.AvatarTTL <= 0 {
		cfg.AvatarTTL = defaultAvatarTTL
	}
	if cfg.LIDTTL <= 0 {
		cfg.LIDTTL = defaultLIDTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With("component", "session"),
		clock:   deps.Clock,
		ctx:     ctx,
		cancel:  cancel,
		actors:   make(map[int64]*actor),
		finished: cache.New(finishedStatusTTL, finishedStatusTTL),
		dedup:    cache.New(cfg.DedupTTL, 2*cfg.DedupTTL),
		avatars:  cache.New(cfg.AvatarTTL, cfg.AvatarTTL),
		lids:     cache.New(cfg.LIDTTL, time.Hour),
	}, nil
}

// Handle executes one command envelope and returns once it was fully processed.
// It only fails for envelopes that cannot be decoded; operation failures are
// reported as events instead.
func (m *Manager) Handle(ctx context.Context, env v1.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session.panic", "type", env.Type, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session: panic handling %s: %v", env.Type, r)
		}
	}()

	if err := env.Validate(); err != nil {
		commandsHandled.WithLabelValues(env.Type, "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cmd, err := v1.DecodeCommand(env)
	if err != nil {
		commandsHandled.WithLabelValues(env.Type, "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	// Sends validate on the actor so a bad payload can still be acked by id.
	if _, isSend := cmd.(v1.SendCommand); !isSend {
		if err := v1.ValidateCommand(cmd); err != nil {
			commandsHandled.WithLabelValues(env.Type, "invalid").Inc()
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	for {
		var a *actor
		a, err = m.actor(cmd.Session())
		if err != nil {
			commandsHandled.WithLabelValues(env.Type, "rejected").Inc()
			return err
		}
		err = a.do(ctx, func() error {
			a.setTenant(env.TenantID)
			return a.handle(ctx, cmd)
		})
		if !errors.Is(err, errActorGone) {
			break
		}
	}
	if err != nil {
		commandsHandled.WithLabelValues(env.Type, "error").Inc()
		return err
	}
	commandsHandled.WithLabelValues(env.Type, "ok").Inc()
	return nil
}

// actor returns the actor for id, creating it on first use. Idle actors are
// reaped, so callers must not hold on to the result across commands.
func (m *Manager) actor(id int64) (*actor, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: session id %d", ErrInvalidPayload, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	if a, ok := m.actors[id]; ok {
		return a, nil
	}
	a := newActor(m, id)
	m.actors[id] = a
	m.finished.Delete(strconv.FormatInt(id, 10))
	go a.run()
	return a, nil
}

// reap removes an idle actor from the manager. It fails when work arrived after
// the actor went idle; run then keeps draining.
func (m *Manager) reap(a *actor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		return false
	}
	a.gone = true
	if m.actors[a.id] == a {
		delete(m.actors, a.id)
	}
	if a.fsm.Status != "" {
		m.finished.SetDefault(strconv.FormatInt(a.id, 10), a.fsm.Status)
	}
	if a.announced != "" {
		sessionsByStatus.WithLabelValues(string(a.announced)).Dec()
	}
	a.log.Debug("session.reaped", "status", a.fsm.Status)
	return true
}

// Status reports the state of a session the manager has seen. Sessions without
// an actor report their last status, if it is still remembered, and are never live.
func (m *Manager) Status(ctx context.Context, id int64) (v1.Status, bool, error) {
	m.mu.Lock()
	a, ok := m.actors[id]
	m.mu.Unlock()
	if ok {
		var st v1.Status
		var live bool
		err := a.do(ctx, func() error {
			st = a.fsm.Status
			live = a.fsm.HasSocket
			return nil
		})
		if !errors.Is(err, errActorGone) {
			return st, live, err
		}
	}

	if v, ok := m.finished.Get(strconv.FormatInt(id, 10)); ok {
		return v.(v1.Status), false, nil
	}
	return "", false, nil
}

// Shutdown ends every open socket without wiping auth state, so sessions resume
// on the next start. Actors stop afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	var socks []protocol.Socket
	for _, a := range actors {
		_ = a.do(ctx, func() error {
			if s := a.shutdown(); s != nil {
				socks = append(socks, s)
			}
			return nil
		})
	}
	m.cancel()

	for _, s := range socks {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.log.Info("session.shutdown", "sessions", len(actors), "sockets", len(socks))
	return nil
}

// publish wraps ev in an envelope and hands it to the bus. Failures are logged by
// the publisher; events are best-effort.
func (m *Manager) publish(tenant v1.TenantID, sessionID int64, ev v1.Event) {
	now := m.clock.Now()
	env, err := v1.NewEventEnvelope(ids.MustULID(now), now, tenant, ev)
	if err != nil {
		m.log.Error("session.publish.encode_fail", "session_id", sessionID, "type", ev.EventType(), "err", err)
		return
	}
	key := v1.EventRoutingKey(m.cfg.Namespace, tenant, sessionID, env.Type)
	if err := m.deps.Publisher.PublishEvent(m.ctx, key, env); err != nil {
		m.log.Debug("session.publish.fail", "session_id", sessionID, "type", env.Type, "err", err)
	}
}

func dedupKey(sessionID int64, messageID string) string {
	return strconv.FormatInt(sessionID, 10) + ":" + messageID
}

func (m *Manager) rememberSend(sessionID int64, messageID string) {
	m.dedup.SetDefault(dedupKey(sessionID, messageID), struct{}{})
}

func (m *Manager) isEcho(sessionID int64, messageID string) bool {
	_, ok := m.dedup.Get(dedupKey(sessionID, messageID))
	return ok
}
