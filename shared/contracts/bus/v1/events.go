package v1

import "encoding/json"

// Event is the closed set of event payloads. EventType decides the envelope type.
type Event interface {
	EventType() string
	isEvent()
}

// Status is a session lifecycle state.
type Status string

const (
	StatusOpening      Status = "OPENING"
	StatusQRCode       Status = "QRCODE"
	StatusPairing      Status = "PAIRING"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
)

// SessionStatusEvent announces a session state transition.
type SessionStatusEvent struct {
	SessionID     int64  `json:"sessionId"`
	Status        Status `json:"status"`
	Number        string `json:"number,omitempty"`
	Name          string `json:"name,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
	Reason        string `json:"reason,omitempty"`
	StatusCode    int    `json:"statusCode,omitempty"`
}

// QRCodeEvent carries one QR challenge. It is the QRCODE status announcement.
type QRCodeEvent struct {
	SessionID int64  `json:"sessionId"`
	Status    Status `json:"status"`
	QRCode    string `json:"qrcode"`
	Attempt   int    `json:"attempt"`
}

// PairingCodeEvent carries the code the user types on the phone.
type PairingCodeEvent struct {
	SessionID   int64  `json:"sessionId"`
	Status      Status `json:"status"`
	PairingCode string `json:"pairingCode"`
	PhoneNumber string `json:"phoneNumber"`
}

// MessageKind discriminates normalized messages.
type MessageKind string

const (
	KindText                MessageKind = "text"
	KindImage               MessageKind = "image"
	KindVideo               MessageKind = "video"
	KindAudio               MessageKind = "audio"
	KindDocument            MessageKind = "document"
	KindSticker             MessageKind = "sticker"
	KindLocation            MessageKind = "location"
	KindContact             MessageKind = "contact"
	KindPoll                MessageKind = "poll"
	KindButtons             MessageKind = "buttons"
	KindList                MessageKind = "list"
	KindTemplate            MessageKind = "template"
	KindInteractive         MessageKind = "interactive"
	KindButtonResponse      MessageKind = "buttonResponse"
	KindTemplateButtonReply MessageKind = "templateButtonResponse"
	KindListResponse        MessageKind = "listResponse"
	KindInteractiveResponse MessageKind = "interactiveResponse"
	KindPollResponse        MessageKind = "pollResponse"
	KindUnknown             MessageKind = "unknown"
)

// Message is the canonical message event. Sent and received messages share it.
type Message struct {
	SessionID     int64        `json:"sessionId"`
	MessageID     string       `json:"messageId"`
	RemoteJID     string       `json:"remoteJid"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	FromMe        bool         `json:"fromMe"`
	IsGroup       bool         `json:"isGroup"`
	Participant   string       `json:"participant,omitempty"`
	PushName      string       `json:"pushName,omitempty"`
	Kind          MessageKind  `json:"type"`
	Body          string       `json:"body"`
	Timestamp     int64        `json:"timestamp"`
	Media         *Media       `json:"media,omitempty"`
	Selection     *Selection   `json:"selection,omitempty"`
	ProfilePicURL string       `json:"profilePicUrl,omitempty"`
	SenderLID     string       `json:"senderLid,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
	Quoted        *Quoted      `json:"quoted,omitempty"`
	LinkPreview   *LinkPreview `json:"linkPreview,omitempty"`
	Location      *Location    `json:"location,omitempty"`
	VCard         string       `json:"vcard,omitempty"`
	IsHistory     bool         `json:"isHistory,omitempty"`
	Edited        bool         `json:"edited,omitempty"`
}

// Media is a downloaded attachment, base64 encoded.
type Media struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
	// Error is set when the download failed; the message is still delivered.
	Error    string `json:"error,omitempty"`
}

// Selection holds what the user picked in an interactive message.
type Selection struct {
	ID              string          `json:"id,omitempty"`
	Title           string          `json:"title,omitempty"`
	Description     string          `json:"description,omitempty"`
	Index           int             `json:"index,omitempty"`
	Name            string          `json:"name,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	PollMessageID   string          `json:"pollMessageId,omitempty"`
	SelectedOptions []string        `json:"selectedOptions,omitempty"`
}

// Quoted is the reply context of a message.
type Quoted struct {
	ID      string      `json:"id"`
	Author  string      `json:"author,omitempty"`
	Preview string      `json:"preview,omitempty"`
	Kind    MessageKind `json:"type,omitempty"`
}

type LinkPreview struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// EventType routes interactive responses to their own event types.
func (m Message) EventType() string {
	switch m.Kind {
	case KindButtonResponse, KindTemplateButtonReply:
		return TypeResponseButton
	case KindListResponse:
		return TypeResponseList
	case KindPollResponse:
		return TypeResponsePoll
	case KindInteractiveResponse:
		return TypeResponseInteractive
	default:
		return TypeMessageReceived
	}
}

// MessageAckEvent reports delivery progress, or a failed send when Error is set.
type MessageAckEvent struct {
	SessionID int64  `json:"sessionId"`
	MessageID string `json:"messageId"`
	RemoteJID string `json:"remoteJid,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
	Ack       Ack    `json:"ack"`
	Error     string `json:"error,omitempty"`
}

type MessageRevokeEvent struct {
	SessionID   int64  `json:"sessionId"`
	MessageID   string `json:"messageId"`
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// MessageReactionEvent reports a reaction; an empty Reaction means it was removed.
type MessageReactionEvent struct {
	SessionID   int64  `json:"sessionId"`
	MessageID   string `json:"messageId"`
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Sender      string `json:"sender"`
	Participant string `json:"participant,omitempty"`
	Reaction    string `json:"reaction"`
	Timestamp   int64  `json:"timestamp"`
}

// ContactUpdateEvent is one consolidated contact view. PreviousJID is set when the
// network's canonical address differs from the one the backend used.
type ContactUpdateEvent struct {
	SessionID     int64  `json:"sessionId"`
	JID           string `json:"jid"`
	PreviousJID   string `json:"previousJid,omitempty"`
	Number        string `json:"number,omitempty"`
	LID           string `json:"lid,omitempty"`
	Name          string `json:"name,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
	IsGroup       bool   `json:"isGroup"`
}

// History status values.
const (
	HistoryRequested = "requested"
	HistoryReceived  = "received"
	HistoryFailed    = "failed"
)

type HistoryStatusEvent struct {
	SessionID int64  `json:"sessionId"`
	Status    string `json:"status"`
	JID       string `json:"jid,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Count     int    `json:"count,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	IsLatest  bool   `json:"isLatest,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (SessionStatusEvent) EventType() string   { return TypeSessionStatus }
func (QRCodeEvent) EventType() string          { return TypeSessionQRCode }
func (PairingCodeEvent) EventType() string     { return TypeSessionPairingCode }
func (MessageAckEvent) EventType() string      { return TypeMessageAck }
func (MessageRevokeEvent) EventType() string   { return TypeMessageRevoke }
func (MessageReactionEvent) EventType() string { return TypeMessageReaction }
func (ContactUpdateEvent) EventType() string   { return TypeContactUpdate }
func (HistoryStatusEvent) EventType() string   { return TypeHistoryStatus }

func (SessionStatusEvent) isEvent()   {}
func (QRCodeEvent) isEvent()          {}
func (PairingCodeEvent) isEvent()     {}
func (Message) isEvent()              {}
func (MessageAckEvent) isEvent()      {}
func (MessageRevokeEvent) isEvent()   {}
func (MessageReactionEvent) isEvent() {}
func (ContactUpdateEvent) isEvent()   {}
func (HistoryStatusEvent) isEvent()   {}
