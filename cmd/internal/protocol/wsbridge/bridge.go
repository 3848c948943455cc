// Package wsbridge implements protocol.Factory on top of a protocol sidecar reached
// over WebSocket. Each session gets its own connection; the sidecar drives the wire
// protocol and calls back into the gateway for auth state.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"watink/cmd/internal/protocol"
)

const (
	Subprotocol = "watink.protocol.v1"

	defaultCallTimeout      = 30 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	defaultSendQueueSize    = 256
	minSendQueueSize        = 32
	defaultEventBuffer      = 256

	// Media downloads travel inline, base64 encoded.
	maxFrameBytes = 64 << 20

	maxPingFailures = 3
	closeGrace      = 2 * time.Second
)

// Config configures the bridge. Zero durations fall back to defaults.
type Config struct {
	URL string

	CallTimeout      time.Duration
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	SendQueueSize    int

	// Browser is forwarded to the sidecar as the linked-device name.
	Browser string

	HTTPClient *http.Client
	Header     http.Header
	Log        *slog.Logger
}

// Factory dials one sidecar connection per session.
type Factory struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns a Factory.
func New(cfg Config) (*Factory, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("wsbridge: invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("wsbridge: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("wsbridge: url has no host")
	}
	cfg.URL = u.String()

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.SendQueueSize < minSendQueueSize {
		cfg.SendQueueSize = minSendQueueSize
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Factory{cfg: cfg, log: log.With("component", "wsbridge")}, nil
}

type openParams struct {
	SessionID       int64  `json:"sessionId"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	UsePairingCode  bool   `json:"usePairingCode,omitempty"`
	SyncFullHistory bool   `json:"syncFullHistory,omitempty"`
	Browser         string `json:"browser,omitempty"`
}

type openResult struct {
	Me *protocol.Contact `json:"me,omitempty"`
}

// Create dials the sidecar and opens the session on it. The returned socket is
// already streaming events.
func (f *Factory) Create(ctx context.Context, sessionID int64, auth protocol.AuthState, opts protocol.Options) (protocol.Socket, error) {
	if auth == nil {
		return nil, errors.New("wsbridge: nil auth state")
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPClient:   f.cfg.HTTPClient,
		HTTPHeader:   f.cfg.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("wsbridge: sidecar negotiated %q, want %q", sp, Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	s := newSocket(f.cfg, f.log.With("session_id", sessionID), conn, sessionID, auth)
	s.start()

	browser := opts.Browser
	if browser == "" {
		browser = f.cfg.Browser
	}
	var res openResult
	err = s.call(ctx, methodSessionOpen, openParams{
		SessionID:       sessionID,
		PhoneNumber:     opts.PhoneNumber,
		UsePairingCode:  opts.UsePairingCode,
		SyncFullHistory: opts.SyncFullHistory,
		Browser:         browser,
	}, &res)
	if err != nil {
		s.shutdown(websocket.StatusNormalClosure, "open failed")
		<-s.done
		return nil, err
	}
	if res.Me != nil {
		s.setSelf(res.Me)
	}

	s.log.Info("bridge.session.open")
	return s, nil
}
