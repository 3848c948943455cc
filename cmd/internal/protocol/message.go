package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageKey addresses one message. The *Alt fields carry the other addressing
// mode (lid or phone number) when the network supplies it.
type MessageKey struct {
	RemoteJID      string `json:"remoteJid"`
	FromMe         bool   `json:"fromMe"`
	ID             string `json:"id"`
	Participant    string `json:"participant,omitempty"`
	RemoteJIDAlt   string `json:"remoteJidAlt,omitempty"`
	ParticipantAlt string `json:"participantAlt,omitempty"`
}

// Message is one raw network message.
type Message struct {
	Key       MessageKey `json:"key"`
	Message   *Content   `json:"message,omitempty"`
	Timestamp Timestamp  `json:"messageTimestamp"`
	PushName  string     `json:"pushName,omitempty"`
	Status    *int       `json:"status,omitempty"`
}

// Protocol message types the gateway acts on.
const (
	ProtocolRevoke                   = 0
	ProtocolEphemeralSetting         = 3
	ProtocolHistorySyncNotification  = 5
	ProtocolAppStateSyncKeyShare     = 6
	ProtocolAppStateSyncKeyRequest   = 7
	ProtocolAppStateFatalExceptional = 10
	ProtocolMessageEdit              = 14
)

// Content is the union of message shapes. At most one field is set, except for
// the wrappers which nest another Content.
type Content struct {
	Conversation string               `json:"conversation,omitempty"`
	ExtendedText *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`

	Image    *MediaMessage `json:"imageMessage,omitempty"`
	Video    *MediaMessage `json:"videoMessage,omitempty"`
	Audio    *MediaMessage `json:"audioMessage,omitempty"`
	Document *MediaMessage `json:"documentMessage,omitempty"`
	Sticker  *MediaMessage `json:"stickerMessage,omitempty"`

	Location *LocationMessage `json:"locationMessage,omitempty"`
	Contact  *ContactMessage  `json:"contactMessage,omitempty"`

	PollCreation *PollCreationMessage `json:"pollCreationMessage,omitempty"`
	PollUpdate   *PollUpdateMessage   `json:"pollUpdateMessage,omitempty"`

	Buttons     *ButtonsMessage     `json:"buttonsMessage,omitempty"`
	List        *ListMessage        `json:"listMessage,omitempty"`
	Template    *TemplateMessage    `json:"templateMessage,omitempty"`
	Interactive *InteractiveMessage `json:"interactiveMessage,omitempty"`

	ButtonsResponse     *ButtonsResponseMessage     `json:"buttonsResponseMessage,omitempty"`
	TemplateButtonReply *TemplateButtonReplyMessage `json:"templateButtonReplyMessage,omitempty"`
	ListResponse        *ListResponseMessage        `json:"listResponseMessage,omitempty"`
	InteractiveResponse *InteractiveResponseMessage `json:"interactiveResponseMessage,omitempty"`

	Protocol *ProtocolMessage `json:"protocolMessage,omitempty"`
	Reaction *ReactionMessage `json:"reactionMessage,omitempty"`

	SenderKeyDistribution json.RawMessage `json:"senderKeyDistributionMessage,omitempty"`
	MessageContextInfo    json.RawMessage `json:"messageContextInfo,omitempty"`

	Ephemeral           *FutureProofMessage `json:"ephemeralMessage,omitempty"`
	ViewOnce            *FutureProofMessage `json:"viewOnceMessage,omitempty"`
	ViewOnceV2          *FutureProofMessage `json:"viewOnceMessageV2,omitempty"`
	DocumentWithCaption *FutureProofMessage `json:"documentWithCaptionMessage,omitempty"`
	Edited              *FutureProofMessage `json:"editedMessage,omitempty"`
}

// Unwrap strips ephemeral, view-once, document-with-caption and edit wrappers.
func (c *Content) Unwrap() *Content {
	for i := 0; c != nil && i < 8; i++ {
		var next *FutureProofMessage
		switch {
		case c.Ephemeral != nil:
			next = c.Ephemeral
		case c.ViewOnce != nil:
			next = c.ViewOnce
		case c.ViewOnceV2 != nil:
			next = c.ViewOnceV2
		case c.DocumentWithCaption != nil:
			next = c.DocumentWithCaption
		case c.Edited != nil:
			next = c.Edited
		default:
			return c
		}
		if next.Message == nil {
			return c
		}
		c = next.Message
	}
	return c
}

// ContextInfo returns the reply context of whichever shape is set.
func (c *Content) ContextInfo() *ContextInfo {
	if c == nil {
		return nil
	}
	switch {
	case c.ExtendedText != nil:
		return c.ExtendedText.ContextInfo
	case c.Image != nil:
		return c.Image.ContextInfo
	case c.Video != nil:
		return c.Video.ContextInfo
	case c.Audio != nil:
		return c.Audio.ContextInfo
	case c.Document != nil:
		return c.Document.ContextInfo
	case c.Sticker != nil:
		return c.Sticker.ContextInfo
	case c.ButtonsResponse != nil:
		return c.ButtonsResponse.ContextInfo
	case c.TemplateButtonReply != nil:
		return c.TemplateButtonReply.ContextInfo
	case c.ListResponse != nil:
		return c.ListResponse.ContextInfo
	case c.InteractiveResponse != nil:
		return c.InteractiveResponse.ContextInfo
	default:
		return nil
	}
}

type FutureProofMessage struct {
	Message *Content `json:"message,omitempty"`
}

type ContextInfo struct {
	StanzaID      string   `json:"stanzaId,omitempty"`
	Participant   string   `json:"participant,omitempty"`
	QuotedMessage *Content `json:"quotedMessage,omitempty"`
	MentionedJID  []string `json:"mentionedJid,omitempty"`
}

type ExtendedTextMessage struct {
	Text          string       `json:"text,omitempty"`
	MatchedText   string       `json:"matchedText,omitempty"`
	Title         string       `json:"title,omitempty"`
	Description   string       `json:"description,omitempty"`
	JPEGThumbnail []byte       `json:"jpegThumbnail,omitempty"`
	ContextInfo   *ContextInfo `json:"contextInfo,omitempty"`
}

// MediaMessage covers image, video, audio, document and sticker payloads.
type MediaMessage struct {
	URL         string       `json:"url,omitempty"`
	Mimetype    string       `json:"mimetype,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	FileName    string       `json:"fileName,omitempty"`
	Seconds     int          `json:"seconds,omitempty"`
	PTT         bool         `json:"ptt,omitempty"`
	FileLength  int64        `json:"fileLength,omitempty"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

type LocationMessage struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name,omitempty"`
	Address          string  `json:"address,omitempty"`
}

type ContactMessage struct {
	DisplayName string `json:"displayName,omitempty"`
	VCard       string `json:"vcard,omitempty"`
}

type PollOption struct {
	OptionName string `json:"optionName"`
}

type PollCreationMessage struct {
	Name                   string       `json:"name"`
	Options                []PollOption `json:"options"`
	SelectableOptionsCount int          `json:"selectableOptionsCount,omitempty"`
}

// PollUpdateMessage is a vote. The bridge delivers it already decrypted.
type PollUpdateMessage struct {
	PollCreationMessageKey MessageKey `json:"pollCreationMessageKey"`
	Vote                   *PollVote  `json:"vote,omitempty"`
}

type PollVote struct {
	SelectedOptions []string `json:"selectedOptions"`
}

type ButtonsMessage struct {
	ContentText string        `json:"contentText,omitempty"`
	FooterText  string        `json:"footerText,omitempty"`
	Buttons     []ReplyButton `json:"buttons,omitempty"`
}

type ListMessage struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ButtonText  string `json:"buttonText,omitempty"`
}

type TemplateMessage struct {
	HydratedContentText string `json:"hydratedContentText,omitempty"`
	HydratedFooterText  string `json:"hydratedFooterText,omitempty"`
}

type InteractiveMessage struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body,omitempty"`
	Footer string `json:"footer,omitempty"`
}

type ButtonsResponseMessage struct {
	SelectedButtonID    string       `json:"selectedButtonId"`
	SelectedDisplayText string       `json:"selectedDisplayText,omitempty"`
	ContextInfo         *ContextInfo `json:"contextInfo,omitempty"`
}

type TemplateButtonReplyMessage struct {
	SelectedID          string       `json:"selectedId"`
	SelectedDisplayText string       `json:"selectedDisplayText,omitempty"`
	SelectedIndex       int          `json:"selectedIndex,omitempty"`
	ContextInfo         *ContextInfo `json:"contextInfo,omitempty"`
}

type SingleSelectReply struct {
	SelectedRowID string `json:"selectedRowId"`
}

type ListResponseMessage struct {
	Title             string             `json:"title,omitempty"`
	Description       string             `json:"description,omitempty"`
	SingleSelectReply *SingleSelectReply `json:"singleSelectReply,omitempty"`
	ContextInfo       *ContextInfo       `json:"contextInfo,omitempty"`
}

type NativeFlowResponse struct {
	Name       string `json:"name,omitempty"`
	ParamsJSON string `json:"paramsJson,omitempty"`
}

type InteractiveResponseMessage struct {
	Body               string              `json:"body,omitempty"`
	NativeFlowResponse *NativeFlowResponse `json:"nativeFlowResponseMessage,omitempty"`
	ContextInfo        *ContextInfo        `json:"contextInfo,omitempty"`
}

type ProtocolMessage struct {
	Key           *MessageKey `json:"key,omitempty"`
	Type          int         `json:"type"`
	EditedMessage *Content    `json:"editedMessage,omitempty"`
}

type ReactionMessage struct {
	Key               MessageKey `json:"key"`
	Text              string     `json:"text"`
	SenderTimestampMs Timestamp  `json:"senderTimestampMs,omitempty"`
}

// Timestamp is a unix time in seconds. It decodes from a number, a numeric string
// or a {low, high} long.
type Timestamp int64

func (t Timestamp) Int64() int64 { return int64(t) }

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = 0
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*t = Timestamp(n)
		return nil
	case '{':
		var l struct {
			Low      int64 `json:"low"`
			High     int64 `json:"high"`
			Unsigned bool  `json:"unsigned"`
		}
		if err := json.Unmarshal(b, &l); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*t = Timestamp(l.High<<32 | (l.Low & 0xFFFFFFFF))
		return nil
	default:
		var f json.Number
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if n, err := f.Int64(); err == nil {
			*t = Timestamp(n)
			return nil
		}
		v, err := f.Float64()
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*t = Timestamp(int64(v))
		return nil
	}
}
