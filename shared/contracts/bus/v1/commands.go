package v1

import (
	"encoding/json"
	"fmt"
)

// Command is the closed set of command payloads. Only types in this package implement it.
type Command interface {
	CommandType() string
	Session() int64
	isCommand()
}

// SendCommand is implemented by every message.send.* payload.
type SendCommand interface {
	Command
	Send() SendBase
}

// DecodeCommand unmarshals env.Payload into the payload type selected by env.Type.
// Field-level validation is left to ValidateCommand so callers can still correlate
// a failure with the ids the payload carried.
func DecodeCommand(env Envelope) (Command, error) {
	var cmd Command
	switch env.Type {
	case TypeSessionStart:
		cmd = &StartSession{}
	case TypeSessionStop:
		cmd = &StopSession{}
	case TypeSendText:
		cmd = &SendText{}
	case TypeSendMedia:
		cmd = &SendMedia{}
	case TypeSendButtons:
		cmd = &SendButtons{}
	case TypeSendList:
		cmd = &SendList{}
	case TypeSendPoll:
		cmd = &SendPoll{}
	case TypeSendTemplate:
		cmd = &SendTemplate{}
	case TypeSendInteractive:
		cmd = &SendInteractive{}
	case TypeSendCarousel:
		cmd = &SendCarousel{}
	case TypeContactSync:
		cmd = &ContactSync{}
	case TypeContactImport:
		cmd = &ContactImport{}
	case TypeMarkAsRead:
		cmd = &MarkAsRead{}
	case TypeHistorySync:
		cmd = &HistorySync{}
	default:
		return nil, fmt.Errorf("unknown command type: %q", env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, cmd); err != nil {
		return nil, fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	return cmd, nil
}

// StartSession opens (or re-announces) a session.
type StartSession struct {
	SessionID      int64  `json:"sessionId" validate:"gt=0"`
	UsePairingCode bool   `json:"usePairingCode,omitempty"`
	PhoneNumber    string `json:"phoneNumber,omitempty" validate:"required_if=UsePairingCode true,omitempty,msisdn"`
	Force          bool   `json:"force,omitempty"`
	KeepAlive      bool   `json:"keepAlive,omitempty"`
	SyncHistory    bool   `json:"syncFullHistory,omitempty"`
}

// StopSession closes a session and wipes its stored identity.
type StopSession struct {
	SessionID int64 `json:"sessionId" validate:"gt=0"`
}

// SendBase carries the fields shared by every outbound send.
type SendBase struct {
	SessionID int64 `json:"sessionId" validate:"gt=0"`
	// To is a phone number or a full protocol address.
	To string `json:"to" validate:"required"`
	// MessageID is the caller correlation id. It is reused as the protocol id when it
	// already has the protocol's id format.
	MessageID string `json:"messageId,omitempty"`
	// QuotedMessageID replies to a message in the same chat.
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
	QuotedFromMe    bool   `json:"quotedFromMe,omitempty"`
}

type SendText struct {
	SendBase
	Body        string `json:"body" validate:"required,maxbytes"`
	LinkPreview bool   `json:"linkPreview,omitempty"`
}

type SendMedia struct {
	SendBase
	MediaType string `json:"mediaType" validate:"required,oneof=image video audio document sticker"`
	URL       string `json:"url,omitempty" validate:"required_without=Base64,omitempty,url"`
	Base64    string `json:"base64,omitempty" validate:"omitempty,base64"`
	Mimetype  string `json:"mimetype,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Caption   string `json:"caption,omitempty" validate:"omitempty,maxbytes"`
	PTT       bool   `json:"ptt,omitempty"`
}

type Button struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text" validate:"required"`
}

type SendButtons struct {
	SendBase
	Text    string   `json:"text" validate:"required,maxbytes"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons" validate:"required,min=1,max=3,dive"`
}

type ListRow struct {
	ID          string `json:"id" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows" validate:"required,min=1,dive"`
}

type SendList struct {
	SendBase
	Text       string        `json:"text" validate:"required,maxbytes"`
	Title      string        `json:"title,omitempty"`
	ButtonText string        `json:"buttonText" validate:"required"`
	Footer     string        `json:"footer,omitempty"`
	Sections   []ListSection `json:"sections" validate:"required,min=1,dive"`
}

type SendPoll struct {
	SendBase
	Name            string   `json:"name" validate:"required"`
	Options         []string `json:"options" validate:"required,min=2,max=12,dive,required"`
	SelectableCount int      `json:"selectableCount,omitempty" validate:"gte=0"`
}

// TemplateButton is one hydrated template button: a url, call or quick-reply.
type TemplateButton struct {
	Kind  string `json:"kind" validate:"required,oneof=url call quickReply"`
	Text  string `json:"text" validate:"required"`
	URL   string `json:"url,omitempty" validate:"required_if=Kind url,omitempty,url"`
	Phone string `json:"phone,omitempty" validate:"required_if=Kind call"`
	ID    string `json:"id,omitempty" validate:"required_if=Kind quickReply"`
}

type SendTemplate struct {
	SendBase
	Text    string           `json:"text" validate:"required,maxbytes"`
	Footer  string           `json:"footer,omitempty"`
	Buttons []TemplateButton `json:"buttons" validate:"required,min=1,dive"`
}

// FlowButton is a native-flow button; Params is passed through as the button's JSON params.
type FlowButton struct {
	Name   string          `json:"name" validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

type SendInteractive struct {
	SendBase
	Header  string       `json:"header,omitempty"`
	Body    string       `json:"body" validate:"required,maxbytes"`
	Footer  string       `json:"footer,omitempty"`
	Buttons []FlowButton `json:"buttons" validate:"required,min=1,dive"`
}

type CarouselCard struct {
	ImageURL string       `json:"imageUrl,omitempty" validate:"omitempty,url"`
	Header   string       `json:"header,omitempty"`
	Body     string       `json:"body" validate:"required"`
	Footer   string       `json:"footer,omitempty"`
	Buttons  []FlowButton `json:"buttons,omitempty" validate:"omitempty,dive"`
}

type SendCarousel struct {
	SendBase
	Body  string         `json:"body,omitempty" validate:"omitempty,maxbytes"`
	Cards []CarouselCard `json:"cards" validate:"required,min=1,max=10,dive"`
}

// ContactSync resolves name, avatar and secondary identifier for one address.
type ContactSync struct {
	SessionID int64  `json:"sessionId" validate:"gt=0"`
	JID       string `json:"jid" validate:"required"`
}

type ImportContact struct {
	Number string `json:"number" validate:"required,msisdn"`
	Name   string `json:"name,omitempty"`
}

// ContactImport checks a batch of phone numbers and reports the ones on the network.
type ContactImport struct {
	SessionID int64           `json:"sessionId" validate:"gt=0"`
	Contacts  []ImportContact `json:"contacts" validate:"required,min=1,max=500,dive"`
}

// MarkAsRead sends read receipts for messages in one chat.
type MarkAsRead struct {
	SessionID   int64    `json:"sessionId" validate:"gt=0"`
	JID         string   `json:"jid" validate:"required"`
	MessageIDs  []string `json:"messageIds" validate:"required,min=1,dive,required"`
	Participant string   `json:"participant,omitempty"`
}

// HistorySync asks the network for older messages of one chat, anchored at the
// oldest message the backend already has.
type HistorySync struct {
	SessionID       int64  `json:"sessionId" validate:"gt=0"`
	JID             string `json:"jid" validate:"required"`
	Count           int    `json:"count,omitempty" validate:"gte=0,lte=500"`
	OldestMessageID string `json:"oldestMessageId" validate:"required"`
	OldestFromMe    bool   `json:"oldestFromMe,omitempty"`
	OldestTimestamp int64  `json:"oldestTimestamp" validate:"gt=0"`
}

func (*StartSession) CommandType() string    { return TypeSessionStart }
func (*StopSession) CommandType() string     { return TypeSessionStop }
func (*SendText) CommandType() string        { return TypeSendText }
func (*SendMedia) CommandType() string       { return TypeSendMedia }
func (*SendButtons) CommandType() string     { return TypeSendButtons }
func (*SendList) CommandType() string        { return TypeSendList }
func (*SendPoll) CommandType() string        { return TypeSendPoll }
func (*SendTemplate) CommandType() string    { return TypeSendTemplate }
func (*SendInteractive) CommandType() string { return TypeSendInteractive }
func (*SendCarousel) CommandType() string    { return TypeSendCarousel }
func (*ContactSync) CommandType() string     { return TypeContactSync }
func (*ContactImport) CommandType() string   { return TypeContactImport }
func (*MarkAsRead) CommandType() string      { return TypeMarkAsRead }
func (*HistorySync) CommandType() string     { return TypeHistorySync }

func (c *StartSession) Session() int64  { return c.SessionID }
func (c *StopSession) Session() int64   { return c.SessionID }
func (c *SendBase) Session() int64      { return c.SessionID }
func (c *ContactSync) Session() int64   { return c.SessionID }
func (c *ContactImport) Session() int64 { return c.SessionID }
func (c *MarkAsRead) Session() int64    { return c.SessionID }
func (c *HistorySync) Session() int64   { return c.SessionID }

func (c *SendBase) Send() SendBase { return *c }

func (*StartSession) isCommand()  {}
func (*StopSession) isCommand()   {}
func (*SendBase) isCommand()      {}
func (*ContactSync) isCommand()   {}
func (*ContactImport) isCommand() {}
func (*MarkAsRead) isCommand()    {}
func (*HistorySync) isCommand()   {}
