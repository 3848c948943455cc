// Package authstate persists each session's protocol identity (the creds blob plus
// individually addressable key material) so sessions survive process restarts.
//
// Key scheme:
//
//	<ns>:auth:<sessionId>:creds
//	<ns>:auth:<sessionId>:<category>:<id>
//	<ns>:msg:<remoteJid>:<messageId>   (24h expiry)
package authstate

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultNamespace matches the bus namespace default.
	DefaultNamespace = "wbot"

	// MessageTTL bounds how long sent messages stay available for resend requests.
	MessageTTL = 24 * time.Hour

	credsCategory = "creds"
)

// Store is the namespaced auth-state API on top of a KV backend.
// It never flushes implicitly: callers persist after mutating credential state.
type Store struct {
	kv     KV
	ns     string
	sealer *Sealer
	log    *slog.Logger
}

// Option configures a Store.
type Option func(*Store) error

// WithNamespace sets the key prefix (default "wbot").
func WithNamespace(ns string) Option {
	return func(s *Store) error {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			return invalid("authstate.WithNamespace", "empty namespace")
		}
		if strings.ContainsAny(ns, ":*?[]") {
			return invalid("authstate.WithNamespace", "namespace must not contain ':' or glob characters")
		}
		s.ns = ns
		return nil
	}
}

// WithSealer encrypts every stored value.
func WithSealer(sl *Sealer) Option {
	return func(s *Store) error {
		s.sealer = sl
		return nil
	}
}

// WithLogger sets the logger used for best-effort diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// New wraps kv.
func New(kv KV, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, invalid("authstate.New", "nil kv")
	}
	s := &Store{kv: kv, ns: DefaultNamespace, log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Namespace returns the configured key prefix.
func (s *Store) Namespace() string { return s.ns }

// Close closes the backend.
func (s *Store) Close() error { return s.kv.Close() }

// Get reads key material for one category in a single batched read.
// Missing ids are omitted from the result.
func (s *Store) Get(ctx context.Context, sessionID int64, category string, ids []string) (map[string]json.RawMessage, error) {
	const op = "authstate.Get"
	if err := checkCategory(op, category); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	keys := make([]string, 0, len(ids))
	byKey := make(map[string]string, len(ids))
	for _, id := range ids {
		k := s.keyFor(sessionID, category, id)
		if _, dup := byKey[k]; dup {
			continue
		}
		keys = append(keys, k)
		byKey[k] = id
	}

	raw, err := s.kv.MGet(ctx, keys)
	if err != nil {
		return nil, OpError{Op: op, Kind: err}
	}

	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		plain, err := s.open(k, v)
		if err != nil {
			return nil, err
		}
		out[byKey[k]] = plain
	}
	return out, nil
}

// Set writes key material in one batch. A nil or JSON null value deletes the id.
func (s *Store) Set(ctx context.Context, sessionID int64, data map[string]map[string]json.RawMessage) error {
	const op = "authstate.Set"

	ops := make([]Op, 0, len(data))
	for category, entries := range data {
		if err := checkCategory(op, category); err != nil {
			return err
		}
		for id, v := range entries {
			k := s.keyFor(sessionID, category, id)
			if isNull(v) {
				ops = append(ops, Op{Key: k})
				continue
			}
			sealed, err := s.seal(k, v)
			if err != nil {
				return err
			}
			ops = append(ops, Op{Key: k, Value: sealed})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.kv.Apply(ctx, ops); err != nil {
		return OpError{Op: op, Kind: err}
	}
	return nil
}

// ReadCreds returns the identity blob, or nil when the session has none yet.
func (s *Store) ReadCreds(ctx context.Context, sessionID int64) (json.RawMessage, error) {
	k := s.credsKey(sessionID)
	raw, err := s.kv.MGet(ctx, []string{k})
	if err != nil {
		return nil, OpError{Op: "authstate.ReadCreds", Kind: err}
	}
	v, ok := raw[k]
	if !ok {
		return nil, nil
	}
	return s.open(k, v)
}

// SaveCreds replaces the identity blob. Saving null removes it.
func (s *Store) SaveCreds(ctx context.Context, sessionID int64, creds json.RawMessage) error {
	k := s.credsKey(sessionID)
	o := Op{Key: k}
	if !isNull(creds) {
		sealed, err := s.seal(k, creds)
		if err != nil {
			return err
		}
		o.Value = sealed
	}
	if err := s.kv.Apply(ctx, []Op{o}); err != nil {
		return OpError{Op: "authstate.SaveCreds", Kind: err}
	}
	return nil
}

// Cleanup deletes everything stored under the session's namespace.
func (s *Store) Cleanup(ctx context.Context, sessionID int64) (int, error) {
	n, err := s.kv.DeletePrefix(ctx, s.sessionPrefix(sessionID))
	if err != nil {
		return n, OpError{Op: "authstate.Cleanup", Kind: err}
	}
	return n, nil
}

// RememberMessage keeps a sent message for MessageTTL so the protocol can answer
// resend requests for it.
func (s *Store) RememberMessage(ctx context.Context, remoteJID, messageID string, msg json.RawMessage) error {
	const op = "authstate.RememberMessage"
	if remoteJID == "" || messageID == "" {
		return invalid(op, "missing remote jid or message id")
	}
	if isNull(msg) {
		return nil
	}
	k := s.messageKey(remoteJID, messageID)
	sealed, err := s.seal(k, msg)
	if err != nil {
		return err
	}
	if err := s.kv.Apply(ctx, []Op{{Key: k, Value: sealed, TTL: MessageTTL}}); err != nil {
		return OpError{Op: op, Kind: err}
	}
	return nil
}

// LookupMessage returns a remembered message, or nil when unknown or expired.
func (s *Store) LookupMessage(ctx context.Context, remoteJID, messageID string) (json.RawMessage, error) {
	k := s.messageKey(remoteJID, messageID)
	raw, err := s.kv.MGet(ctx, []string{k})
	if err != nil {
		return nil, OpError{Op: "authstate.LookupMessage", Kind: err}
	}
	v, ok := raw[k]
	if !ok {
		return nil, nil
	}
	return s.open(k, v)
}

// ForSession returns the per-session view handed to a protocol socket.
func (s *Store) ForSession(sessionID int64) *SessionState {
	return &SessionState{store: s, sessionID: sessionID}
}

// ---- keys ----

func (s *Store) sessionPrefix(sessionID int64) string {
	return s.ns + ":auth:" + strconv.FormatInt(sessionID, 10) + ":"
}

func (s *Store) credsKey(sessionID int64) string {
	return s.sessionPrefix(sessionID) + credsCategory
}

func (s *Store) keyFor(sessionID int64, category, id string) string {
	return s.sessionPrefix(sessionID) + category + ":" + id
}

func (s *Store) messageKey(remoteJID, messageID string) string {
	return s.ns + ":msg:" + remoteJID + ":" + messageID
}

func checkCategory(op, category string) error {
	category = strings.TrimSpace(category)
	if category == "" {
		return invalid(op, "empty category")
	}
	if category == credsCategory {
		return invalid(op, "category \"creds\" is reserved")
	}
	if strings.Contains(category, ":") {
		return invalid(op, "category must not contain ':'")
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// ---- sealing ----

func (s *Store) seal(key string, v json.RawMessage) ([]byte, error) {
	if s.sealer == nil {
		return append([]byte(nil), v...), nil
	}
	return s.sealer.Seal(key, v)
}

func (s *Store) open(key string, v []byte) (json.RawMessage, error) {
	if s.sealer == nil {
		return json.RawMessage(v), nil
	}
	plain, err := s.sealer.Open(key, v)
	if err != nil {
		return nil, OpError{Op: "authstate.open", Kind: err, Msg: key}
	}
	return json.RawMessage(plain), nil
}
