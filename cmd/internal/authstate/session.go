package authstate

import (
	"context"
	"encoding/json"
)

// SessionState is one session's slice of the Store. It is what a protocol socket
// reads and writes its identity through.
type SessionState struct {
	store     *Store
	sessionID int64
}

func (s *SessionState) SessionID() int64 { return s.sessionID }

func (s *SessionState) ReadCreds(ctx context.Context) (json.RawMessage, error) {
	return s.store.ReadCreds(ctx, s.sessionID)
}

func (s *SessionState) SaveCreds(ctx context.Context, creds json.RawMessage) error {
	return s.store.SaveCreds(ctx, s.sessionID, creds)
}

func (s *SessionState) GetKeys(ctx context.Context, category string, ids []string) (map[string]json.RawMessage, error) {
	return s.store.Get(ctx, s.sessionID, category, ids)
}

func (s *SessionState) SetKeys(ctx context.Context, data map[string]map[string]json.RawMessage) error {
	return s.store.Set(ctx, s.sessionID, data)
}

func (s *SessionState) LookupMessage(ctx context.Context, remoteJID, messageID string) (json.RawMessage, error) {
	return s.store.LookupMessage(ctx, remoteJID, messageID)
}

func (s *SessionState) RememberMessage(ctx context.Context, remoteJID, messageID string, msg json.RawMessage) error {
	return s.store.RememberMessage(ctx, remoteJID, messageID, msg)
}

// Wipe removes the whole session namespace.
func (s *SessionState) Wipe(ctx context.Context) (int, error) {
	return s.store.Cleanup(ctx, s.sessionID)
}
