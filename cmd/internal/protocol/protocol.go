// Package protocol is the gateway's view of the messaging network: a Factory opens
// one Socket per session, and a Socket streams Events while answering directory,
// media and send calls. The wire protocol itself lives behind the implementation
// (see package wsbridge).
package protocol

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed is returned by calls on a socket that has ended.
	ErrClosed = errors.New("protocol: socket closed")
	// ErrNotFound is returned by lookups that have no answer (no avatar, unknown group).
	ErrNotFound = errors.New("protocol: not found")
)

// AuthState is what a socket persists its identity through. It maps onto the
// per-session view of the auth store.
type AuthState interface {
	ReadCreds(ctx context.Context) (json.RawMessage, error)
	SaveCreds(ctx context.Context, creds json.RawMessage) error
	GetKeys(ctx context.Context, category string, ids []string) (map[string]json.RawMessage, error)
	SetKeys(ctx context.Context, data map[string]map[string]json.RawMessage) error
	LookupMessage(ctx context.Context, remoteJID, messageID string) (json.RawMessage, error)
}

// Options tune one socket.
type Options struct {
	// PhoneNumber is required when UsePairingCode is set.
	PhoneNumber     string
	UsePairingCode  bool
	SyncFullHistory bool
	// Browser is the client name shown in the phone's linked devices list.
	Browser string
}

// Factory opens sockets.
type Factory interface {
	Create(ctx context.Context, sessionID int64, auth AuthState, opts Options) (Socket, error)
}

// Socket is one live connection for one session. Events is closed after the
// socket has fully torn down, at which point Done is also closed.
type Socket interface {
	Events() <-chan Event
	Done() <-chan struct{}

	// End closes the connection. reason is informational; calling End more than
	// once is a no-op.
	End(reason error)

	// Self is the logged-in account, or nil before registration.
	Self() *Contact

	SendMessage(ctx context.Context, jid string, msg OutgoingMessage, opts SendOptions) (*Message, error)
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	OnWhatsApp(ctx context.Context, jids ...string) ([]DirectoryEntry, error)
	ResolveLIDs(ctx context.Context, jids []string) ([]LIDMapping, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
	GroupMetadata(ctx context.Context, jid string) (*GroupInfo, error)

	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)
	ReadMessages(ctx context.Context, keys []MessageKey) error
	FetchMessageHistory(ctx context.Context, req HistoryRequest) (string, error)
}

// Contact is an account as the socket knows it.
type Contact struct {
	ID     string `json:"id"`
	LID    string `json:"lid,omitempty"`
	Name   string `json:"name,omitempty"`
	Notify string `json:"notify,omitempty"`
	ImgURL string `json:"imgUrl,omitempty"`
}

// DisplayName prefers the saved name over the self-chosen push name.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Notify
}

// DirectoryEntry is one existence check result. JID is the canonical address.
type DirectoryEntry struct {
	JID    string `json:"jid"`
	Exists bool   `json:"exists"`
	LID    string `json:"lid,omitempty"`
	Name   string `json:"name,omitempty"`
}

// LIDMapping pairs a phone-number address with its lid address.
type LIDMapping struct {
	JID string `json:"jid"`
	LID string `json:"lid"`
}

type GroupParticipant struct {
	ID    string `json:"id"`
	LID   string `json:"lid,omitempty"`
	Admin string `json:"admin,omitempty"`
}

type GroupInfo struct {
	ID           string             `json:"id"`
	Subject      string             `json:"subject,omitempty"`
	Owner        string             `json:"owner,omitempty"`
	Desc         string             `json:"desc,omitempty"`
	Participants []GroupParticipant `json:"participants,omitempty"`
}

// HistoryRequest anchors an on-demand history fetch at the oldest known message.
type HistoryRequest struct {
	Count           int        `json:"count"`
	Oldest          MessageKey `json:"oldestKey"`
	OldestTimestamp int64      `json:"oldestTimestamp"`
}

// SendOptions controls one SendMessage call.
type SendOptions struct {
	// MessageID forces the protocol id of the outgoing message.
	MessageID string      `json:"messageId,omitempty"`
	Quoted    *MessageKey `json:"quoted,omitempty"`
}

// OutgoingMessage is the content of one send. Exactly one of the shapes is set;
// Text alone is a plain text message.
type OutgoingMessage struct {
	Text        string               `json:"text,omitempty"`
	Footer      string               `json:"footer,omitempty"`
	Title       string               `json:"title,omitempty"`
	LinkPreview bool                 `json:"linkPreview,omitempty"`
	Media       *OutgoingMedia       `json:"media,omitempty"`
	Buttons     []ReplyButton        `json:"buttons,omitempty"`
	List        *OutgoingList        `json:"list,omitempty"`
	Poll        *OutgoingPoll        `json:"poll,omitempty"`
	Template    []TemplateButton     `json:"templateButtons,omitempty"`
	Interactive *OutgoingInteractive `json:"interactive,omitempty"`
	Carousel    []CarouselCard       `json:"carousel,omitempty"`
}

type OutgoingMedia struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

type ReplyButton struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

type OutgoingList struct {
	ButtonText string        `json:"buttonText"`
	Sections   []ListSection `json:"sections"`
}

type OutgoingPoll struct {
	Name            string   `json:"name"`
	Options         []string `json:"options"`
	SelectableCount int      `json:"selectableCount"`
}

type TemplateButton struct {
	Kind  string `json:"kind"`
	Text  string `json:"text"`
	URL   string `json:"url,omitempty"`
	Phone string `json:"phone,omitempty"`
	ID    string `json:"id,omitempty"`
}

type FlowButton struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

type OutgoingInteractive struct {
	Header  string       `json:"header,omitempty"`
	Buttons []FlowButton `json:"buttons"`
}

type CarouselCard struct {
	ImageURL string       `json:"imageUrl,omitempty"`
	Header   string       `json:"header,omitempty"`
	Body     string       `json:"body"`
	Footer   string       `json:"footer,omitempty"`
	Buttons  []FlowButton `json:"buttons,omitempty"`
}
