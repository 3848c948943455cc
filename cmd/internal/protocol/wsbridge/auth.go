package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// serve answers one sidecar request from the session's auth state.
func (s *socket) serve(req frame) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()

	result, code, err := s.handleAuth(ctx, req)
	resp := frame{ID: req.ID}
	if err != nil {
		s.log.Warn("bridge.auth.fail", "method", req.Method, "err", err)
		resp.Error = &frameError{Code: code, Message: err.Error()}
	} else {
		resp.Result = mustJSON(result)
	}
	s.reply(resp)
}

func (s *socket) handleAuth(ctx context.Context, req frame) (any, string, error) {
	switch req.Method {
	case methodAuthCredsRead:
		creds, err := s.auth.ReadCreds(ctx)
		if err != nil {
			return nil, codeInternal, err
		}
		return map[string]json.RawMessage{"creds": orNull(creds)}, "", nil

	case methodAuthKeysGet:
		var p struct {
			Category string   `json:"category"`
			IDs      []string `json:"ids"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, codeBadParams, err
		}
		keys, err := s.auth.GetKeys(ctx, p.Category, p.IDs)
		if err != nil {
			return nil, codeInternal, err
		}
		return keys, "", nil

	case methodAuthKeysSet:
		var p struct {
			Data map[string]map[string]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, codeBadParams, err
		}
		if err := s.auth.SetKeys(ctx, p.Data); err != nil {
			return nil, codeInternal, err
		}
		return struct{}{}, "", nil

	case methodAuthMessageGet:
		var p struct {
			RemoteJID string `json:"remoteJid"`
			ID        string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, codeBadParams, err
		}
		msg, err := s.auth.LookupMessage(ctx, p.RemoteJID, p.ID)
		if err != nil {
			return nil, codeInternal, err
		}
		if msg == nil {
			return nil, codeNotFound, fmt.Errorf("message %s not remembered", p.ID)
		}
		return map[string]json.RawMessage{"message": msg}, "", nil

	default:
		return nil, codeMethodNotFound, fmt.Errorf("unknown method %q", req.Method)
	}
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}
