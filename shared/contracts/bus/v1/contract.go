// Package v1 defines the watink bus contract v1: the envelope exchanged over the
// command and event exchanges, the closed type vocabulary, and payload shapes.
//
// This package is shared between the gateway and its backend consumers, so it
// stays dependency-light and wire-stable.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command type constants (backend -> gateway).
const (
	TypeSessionStart = "session.start"
	TypeSessionStop  = "session.stop"

	TypeSendText        = "message.send.text"
	TypeSendMedia       = "message.send.media"
	TypeSendButtons     = "message.send.buttons"
	TypeSendList        = "message.send.list"
	TypeSendPoll        = "message.send.poll"
	TypeSendTemplate    = "message.send.template"
	TypeSendInteractive = "message.send.interactive"
	TypeSendCarousel    = "message.send.carousel"

	TypeContactSync   = "contact.sync"
	TypeContactImport = "contact.import"
	TypeMarkAsRead    = "message.markAsRead"
	TypeHistorySync   = "history.sync"
)

// Event type constants (gateway -> backend).
const (
	TypeSessionQRCode      = "session.qrcode"
	TypeSessionPairingCode = "session.pairingcode"
	TypeSessionStatus      = "session.status"

	TypeMessageReceived = "message.received"
	TypeMessageAck      = "message.ack"
	TypeMessageRevoke   = "message.revoke"
	TypeMessageReaction = "message.reaction"

	TypeResponseButton      = "message.response.button"
	TypeResponseList        = "message.response.list"
	TypeResponsePoll        = "message.response.poll"
	TypeResponseInteractive = "message.response.interactive"

	TypeContactUpdate = "contact.update"
	TypeHistoryStatus = "history.status"
)

// Envelope is the uniform wire unit for both commands and events.
type Envelope struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	TenantID  TenantID        `json:"tenantId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate performs structural validation. Payload shape is checked by DecodeCommand.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsCommandType(e.Type) && !IsEventType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if len(bytes.TrimSpace(e.Payload)) == 0 {
		return errors.New("missing field: payload")
	}
	return nil
}

// IsCommandType reports whether typ is part of the command vocabulary.
func IsCommandType(typ string) bool {
	switch typ {
	case TypeSessionStart,
		TypeSessionStop,
		TypeSendText,
		TypeSendMedia,
		TypeSendButtons,
		TypeSendList,
		TypeSendPoll,
		TypeSendTemplate,
		TypeSendInteractive,
		TypeSendCarousel,
		TypeContactSync,
		TypeContactImport,
		TypeMarkAsRead,
		TypeHistorySync:
		return true
	default:
		return false
	}
}

// IsEventType reports whether typ is part of the event vocabulary.
func IsEventType(typ string) bool {
	switch typ {
	case TypeSessionQRCode,
		TypeSessionPairingCode,
		TypeSessionStatus,
		TypeMessageReceived,
		TypeMessageAck,
		TypeMessageRevoke,
		TypeMessageReaction,
		TypeResponseButton,
		TypeResponseList,
		TypeResponsePoll,
		TypeResponseInteractive,
		TypeContactUpdate,
		TypeHistoryStatus:
		return true
	default:
		return false
	}
}

// NewEventEnvelope wraps ev in an envelope typed by ev itself.
func NewEventEnvelope(id string, now time.Time, tenantID TenantID, ev Event) (Envelope, error) {
	if id == "" {
		return Envelope{}, errors.New("missing envelope id")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return Envelope{
		ID:        id,
		Timestamp: now.UnixMilli(),
		TenantID:  tenantID,
		Type:      ev.EventType(),
		Payload:   b,
	}, nil
}

// TenantID accepts both JSON strings and numbers; backends disagree on which they send.
type TenantID string

func (t *TenantID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TenantID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("tenantId: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("tenantId: not an integer: %s", n)
	}
	*t = TenantID(n.String())
	return nil
}

func (t TenantID) String() string { return string(t) }
