package protocol

import "encoding/json"

// Event is the closed set of socket pushes.
type Event interface{ isEvent() }

// ConnState is the connection phase reported by ConnectionUpdate.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
)

// ConnectionUpdate reports a phase change, a QR challenge, or both.
// Reason and Err are only meaningful when Connection is ConnClose.
type ConnectionUpdate struct {
	Connection ConnState        `json:"connection,omitempty"`
	QR         string           `json:"qr,omitempty"`
	Reason     DisconnectReason `json:"statusCode,omitempty"`
	Err        string           `json:"error,omitempty"`
	IsNewLogin bool             `json:"isNewLogin,omitempty"`
}

// Upsert types.
const (
	UpsertNotify = "notify"
	UpsertAppend = "append"
)

// MessagesUpsert delivers new messages. Type "append" marks catch-up delivery.
type MessagesUpsert struct {
	Messages []Message `json:"messages"`
	Type     string    `json:"type"`
}

// MessageUpdate changes an existing message: a delivery status, or an edit/revoke
// carried as content.
type MessageUpdate struct {
	Key     MessageKey `json:"key"`
	Status  *int       `json:"status,omitempty"`
	Message *Content   `json:"message,omitempty"`
}

type MessagesUpdate struct {
	Updates []MessageUpdate `json:"updates"`
}

// Reaction is a reaction to Key. An empty Text removes it.
type Reaction struct {
	Key       MessageKey `json:"key"`
	Text      string     `json:"text"`
	Sender    MessageKey `json:"senderKey"`
	Timestamp Timestamp  `json:"timestamp"`
}

type Reactions struct {
	Reactions []Reaction `json:"reactions"`
}

type ContactsUpdate struct {
	Contacts []Contact `json:"contacts"`
}

type GroupsUpdate struct {
	Groups []GroupInfo `json:"groups"`
}

// CredsUpdate carries the full identity blob after a change. The gateway persists
// it right away.
type CredsUpdate struct {
	Creds      json.RawMessage `json:"creds"`
	Registered bool            `json:"registered"`
}

// HistorySet is one chunk of history sync.
type HistorySet struct {
	Messages []Message `json:"messages"`
	Contacts []Contact `json:"contacts,omitempty"`
	Progress int       `json:"progress,omitempty"`
	IsLatest bool      `json:"isLatest,omitempty"`
	SyncType string    `json:"syncType,omitempty"`
	// RequestID echoes FetchMessageHistory when this set answers an on-demand fetch.
	RequestID string `json:"requestId,omitempty"`
}

func (ConnectionUpdate) isEvent() {}
func (MessagesUpsert) isEvent()   {}
func (MessagesUpdate) isEvent()   {}
func (Reactions) isEvent()        {}
func (ContactsUpdate) isEvent()   {}
func (GroupsUpdate) isEvent()     {}
func (CredsUpdate) isEvent()      {}
func (HistorySet) isEvent()       {}
