package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

const quotePreviewMax = 200

type normalizeOpts struct {
	history  bool
	download bool
	skipEcho bool
	edited   bool

	correlationID string
}

// processMessage turns one raw message into at most one event.
func (a *actor) processMessage(ctx context.Context, msg *protocol.Message, o normalizeOpts) {
	content := msg.Message.Unwrap()
	if content == nil {
		return
	}

	if p := content.Protocol; p != nil {
		a.onProtocolMessage(ctx, msg, p, o)
		return
	}
	if r := content.Reaction; r != nil {
		sender := protocol.MessageKey{RemoteJID: msg.Key.RemoteJID, FromMe: msg.Key.FromMe, Participant: msg.Key.Participant}
		ts := msg.Timestamp.Int64()
		if r.SenderTimestampMs != 0 {
			ts = r.SenderTimestampMs.Int64() / 1000
		}
		key := r.Key
		if key.RemoteJID == "" {
			key.RemoteJID = msg.Key.RemoteJID
		}
		a.publish(a.reactionEvent(key, sender, r.Text, ts))
		return
	}

	if msg.Key.RemoteJID == protocol.StatusBroadcast {
		return
	}
	if !o.skipEcho && a.m.isEcho(a.id, msg.Key.ID) {
		echoesSuppressed.Inc()
		a.log.Debug("session.echo.dropped", "message_id", msg.Key.ID)
		return
	}

	ev, ok := a.normalize(ctx, msg, content, o)
	if !ok {
		a.log.Debug("session.message.skipped", "message_id", msg.Key.ID)
		return
	}
	a.publish(ev)
}

func (a *actor) onProtocolMessage(ctx context.Context, msg *protocol.Message, p *protocol.ProtocolMessage, o normalizeOpts) {
	switch p.Type {
	case protocol.ProtocolRevoke:
		if p.Key == nil || p.Key.ID == "" {
			return
		}
		remote := p.Key.RemoteJID
		if remote == "" {
			remote = msg.Key.RemoteJID
		}
		a.publish(v1.MessageRevokeEvent{
			SessionID:   a.id,
			MessageID:   p.Key.ID,
			RemoteJID:   protocol.NormalizeJID(remote),
			FromMe:      p.Key.FromMe,
			Participant: protocol.NormalizeJID(msg.Key.Participant),
			Timestamp:   a.timestamp(msg.Timestamp),
		})

	case protocol.ProtocolMessageEdit:
		if p.Key == nil || p.EditedMessage == nil {
			return
		}
		edited := *msg
		edited.Key = *p.Key
		if edited.Key.RemoteJID == "" {
			edited.Key.RemoteJID = msg.Key.RemoteJID
		}
		edited.Message = p.EditedMessage
		o.edited = true
		o.skipEcho = true
		o.download = false
		a.processMessage(ctx, &edited, o)
	}
	// Key shares, history notifications and ephemeral settings carry no user content.
}

func (a *actor) reactionEvent(key, sender protocol.MessageKey, text string, ts int64) v1.MessageReactionEvent {
	from := sender.Participant
	if from == "" {
		from = sender.RemoteJID
	}
	if sender.FromMe {
		from = a.selfJID()
	}
	return v1.MessageReactionEvent{
		SessionID:   a.id,
		MessageID:   key.ID,
		RemoteJID:   protocol.NormalizeJID(key.RemoteJID),
		FromMe:      key.FromMe,
		Sender:      protocol.NormalizeJID(from),
		Participant: protocol.NormalizeJID(key.Participant),
		Reaction:    text,
		Timestamp:   a.timestamp(protocol.Timestamp(ts)),
	}
}

func (a *actor) selfJID() string {
	if a.self == nil {
		return ""
	}
	return protocol.NormalizeJID(a.self.ID)
}

// timestamp is unix seconds; messages without one are stamped on arrival.
func (a *actor) timestamp(ts protocol.Timestamp) int64 {
	if ts.Int64() > 0 {
		return ts.Int64()
	}
	return a.m.clock.Now().Unix()
}

func (a *actor) normalize(ctx context.Context, msg *protocol.Message, content *protocol.Content, o normalizeOpts) (v1.Message, bool) {
	kind, body, sel, ok := classify(content)
	if !ok {
		return v1.Message{}, false
	}

	remote := protocol.NormalizeJID(msg.Key.RemoteJID)
	isGroup := protocol.IsGroupJID(remote)
	participant := protocol.NormalizeJID(msg.Key.Participant)
	self := a.selfJID()

	ev := v1.Message{
		SessionID:     a.id,
		MessageID:     msg.Key.ID,
		RemoteJID:     remote,
		FromMe:        msg.Key.FromMe,
		IsGroup:       isGroup,
		Participant:   participant,
		PushName:      msg.PushName,
		Kind:          kind,
		Body:          body,
		Timestamp:     a.timestamp(msg.Timestamp),
		Selection:     sel,
		CorrelationID: o.correlationID,
		IsHistory:     o.history,
		Edited:        o.edited,
	}

	sender := remote
	if isGroup {
		sender = participant
	}
	switch {
	case msg.Key.FromMe:
		ev.From, ev.To = self, remote
	case isGroup:
		ev.From, ev.To = participant, remote
	default:
		ev.From, ev.To = remote, self
	}

	if mm := mediaOf(content); mm != nil {
		ev.Media = &v1.Media{
			Mimetype: mm.Mimetype,
			FileName: mm.FileName,
			Seconds:  mm.Seconds,
			PTT:      mm.PTT,
		}
		if o.download && !msg.Key.FromMe {
			a.downloadMedia(ctx, msg, ev.Media)
		}
	}
	if loc := content.Location; loc != nil {
		ev.Location = &v1.Location{
			Latitude:  loc.DegreesLatitude,
			Longitude: loc.DegreesLongitude,
			Name:      loc.Name,
			Address:   loc.Address,
		}
	}
	if c := content.Contact; c != nil {
		ev.VCard = c.VCard
	}

	if !msg.Key.FromMe && !o.history {
		if isGroup && participant != "" {
			ev.ProfilePicURL = a.avatar(ctx, participant)
		}
		ev.SenderLID = a.senderLID(ctx, msg.Key, sender)
	}

	ev.Quoted = quotedOf(content.ContextInfo())
	ev.LinkPreview = linkPreviewOf(content.ExtendedText)
	return ev, true
}

func (a *actor) downloadMedia(ctx context.Context, msg *protocol.Message, media *v1.Media) {
	if a.sock == nil {
		media.Error = protocol.ErrClosed.Error()
		return
	}
	data, err := a.sock.DownloadMedia(ctx, msg)
	if err != nil {
		a.log.Warn("session.media.download_fail", "message_id", msg.Key.ID, "err", err)
		media.Error = err.Error()
		return
	}
	media.Data = base64.StdEncoding.EncodeToString(data)
}

// classify reports the normalized kind, the body text and any interactive
// selection. ok is false for content with nothing to deliver.
func classify(c *protocol.Content) (kind v1.MessageKind, body string, sel *v1.Selection, ok bool) {
	switch {
	case c == nil:
		return "", "", nil, false
	case c.Conversation != "":
		return v1.KindText, c.Conversation, nil, true
	case c.ExtendedText != nil:
		return v1.KindText, c.ExtendedText.Text, nil, true
	case c.Image != nil:
		return v1.KindImage, c.Image.Caption, nil, true
	case c.Video != nil:
		return v1.KindVideo, c.Video.Caption, nil, true
	case c.Audio != nil:
		return v1.KindAudio, "", nil, true
	case c.Document != nil:
		b := c.Document.Caption
		if b == "" {
			b = c.Document.FileName
		}
		return v1.KindDocument, b, nil, true
	case c.Sticker != nil:
		return v1.KindSticker, "", nil, true
	case c.Location != nil:
		b := c.Location.Name
		if b == "" {
			b = c.Location.Address
		}
		return v1.KindLocation, b, nil, true
	case c.Contact != nil:
		return v1.KindContact, c.Contact.DisplayName, nil, true
	case c.PollCreation != nil:
		return v1.KindPoll, c.PollCreation.Name, nil, true
	case c.PollUpdate != nil:
		s := &v1.Selection{PollMessageID: c.PollUpdate.PollCreationMessageKey.ID}
		if c.PollUpdate.Vote != nil {
			s.SelectedOptions = c.PollUpdate.Vote.SelectedOptions
		}
		return v1.KindPollResponse, strings.Join(s.SelectedOptions, ", "), s, true
	case c.Buttons != nil:
		return v1.KindButtons, c.Buttons.ContentText, nil, true
	case c.List != nil:
		b := c.List.Description
		if b == "" {
			b = c.List.Title
		}
		return v1.KindList, b, nil, true
	case c.Template != nil:
		return v1.KindTemplate, c.Template.HydratedContentText, nil, true
	case c.Interactive != nil:
		return v1.KindInteractive, c.Interactive.Body, nil, true
	case c.ButtonsResponse != nil:
		r := c.ButtonsResponse
		return v1.KindButtonResponse, r.SelectedDisplayText, &v1.Selection{ID: r.SelectedButtonID, Title: r.SelectedDisplayText}, true
	case c.TemplateButtonReply != nil:
		r := c.TemplateButtonReply
		return v1.KindTemplateButtonReply, r.SelectedDisplayText, &v1.Selection{ID: r.SelectedID, Title: r.SelectedDisplayText, Index: r.SelectedIndex}, true
	case c.ListResponse != nil:
		r := c.ListResponse
		s := &v1.Selection{Title: r.Title, Description: r.Description}
		if r.SingleSelectReply != nil {
			s.ID = r.SingleSelectReply.SelectedRowID
		}
		return v1.KindListResponse, r.Title, s, true
	case c.InteractiveResponse != nil:
		r := c.InteractiveResponse
		s := &v1.Selection{}
		if nf := r.NativeFlowResponse; nf != nil {
			s.Name = nf.Name
			if nf.ParamsJSON != "" && json.Valid([]byte(nf.ParamsJSON)) {
				s.Params = json.RawMessage(nf.ParamsJSON)
				var p struct {
					ID string `json:"id"`
				}
				if json.Unmarshal(s.Params, &p) == nil {
					s.ID = p.ID
				}
			}
		}
		return v1.KindInteractiveResponse, r.Body, s, true
	}
	return "", "", nil, false
}

func mediaOf(c *protocol.Content) *protocol.MediaMessage {
	switch {
	case c.Image != nil:
		return c.Image
	case c.Video != nil:
		return c.Video
	case c.Audio != nil:
		return c.Audio
	case c.Document != nil:
		return c.Document
	case c.Sticker != nil:
		return c.Sticker
	}
	return nil
}

func quotedOf(ci *protocol.ContextInfo) *v1.Quoted {
	if ci == nil || ci.StanzaID == "" {
		return nil
	}
	q := &v1.Quoted{ID: ci.StanzaID, Author: protocol.NormalizeJID(ci.Participant)}
	if kind, body, _, ok := classify(ci.QuotedMessage.Unwrap()); ok {
		q.Kind = kind
		q.Preview = truncate(body, quotePreviewMax)
	}
	return q
}

func linkPreviewOf(et *protocol.ExtendedTextMessage) *v1.LinkPreview {
	if et == nil || (et.MatchedText == "" && et.Title == "") {
		return nil
	}
	lp := &v1.LinkPreview{Title: et.Title, Description: et.Description, URL: et.MatchedText}
	if len(et.JPEGThumbnail) > 0 {
		lp.Thumbnail = base64.StdEncoding.EncodeToString(et.JPEGThumbnail)
	}
	return lp
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// onUpdates handles delivery status changes, plus edits and revokes delivered
// as updates.
func (a *actor) onUpdates(ctx context.Context, u protocol.MessagesUpdate) {
	for _, up := range u.Updates {
		if up.Message != nil {
			msg := protocol.Message{Key: up.Key, Message: up.Message}
			a.processMessage(ctx, &msg, normalizeOpts{skipEcho: true})
		}
		if up.Status == nil {
			continue
		}
		ack, ok := v1.AckFromStatus(*up.Status)
		if !ok {
			continue
		}
		a.publish(v1.MessageAckEvent{
			SessionID: a.id,
			MessageID: up.Key.ID,
			RemoteJID: protocol.NormalizeJID(up.Key.RemoteJID),
			FromMe:    up.Key.FromMe,
			Ack:       ack,
		})
	}
}

// ---- best-effort lookups ----

// avatar returns the cached profile picture URL of jid, fetching it on a miss.
// Missing pictures are cached as "" for a while.
func (a *actor) avatar(ctx context.Context, jid string) string {
	if jid == "" {
		return ""
	}
	if v, ok := a.m.avatars.Get(jid); ok {
		return v.(string)
	}
	sock := a.sock
	if sock == nil {
		return ""
	}

	v, _, _ := a.m.avatarSF.Do(jid, func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, a.m.cfg.LookupTimeout)
		defer cancel()

		url, err := sock.ProfilePictureURL(lctx, jid)
		switch {
		case errors.Is(err, protocol.ErrNotFound):
			a.m.avatars.Set(jid, "", negativeLookupTTL)
			return "", nil
		case err != nil:
			a.log.Debug("session.avatar.fail", "jid", jid, "err", err)
			return "", nil
		}
		a.m.avatars.SetDefault(jid, url)
		return url, nil
	})
	return v.(string)
}

// senderLID finds the lid address of sender: from the message key, then the
// cache, then the directory.
func (a *actor) senderLID(ctx context.Context, key protocol.MessageKey, sender string) string {
	if protocol.IsLIDJID(sender) {
		return sender
	}
	for _, alt := range []string{key.ParticipantAlt, key.RemoteJIDAlt} {
		if protocol.IsLIDJID(alt) {
			lid := protocol.NormalizeJID(alt)
			if protocol.IsUserJID(sender) {
				a.m.lids.SetDefault(sender, lid)
			}
			return lid
		}
	}
	if !protocol.IsUserJID(sender) {
		return ""
	}
	return a.lookupLID(ctx, sender)
}

func (a *actor) lookupLID(ctx context.Context, jid string) string {
	if v, ok := a.m.lids.Get(jid); ok {
		return v.(string)
	}
	sock := a.sock
	if sock == nil {
		return ""
	}

	v, _, _ := a.m.lidSF.Do(jid, func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, a.m.cfg.LookupTimeout)
		defer cancel()

		lid := ""
		if entries, err := sock.OnWhatsApp(lctx, jid); err == nil {
			for _, e := range entries {
				if e.LID != "" {
					lid = protocol.NormalizeJID(e.LID)
					break
				}
			}
		} else {
			a.log.Debug("session.lid.lookup_fail", "jid", jid, "err", err)
		}

		if lid == "" {
			if maps, err := sock.ResolveLIDs(lctx, []string{jid}); err == nil {
				for _, m := range maps {
					if protocol.NormalizeJID(m.JID) == jid && m.LID != "" {
						lid = protocol.NormalizeJID(m.LID)
						break
					}
				}
			} else {
				a.log.Debug("session.lid.resolve_fail", "jid", jid, "err", err)
			}
		}

		if lid == "" {
			a.m.lids.Set(jid, "", negativeLookupTTL)
			return "", nil
		}
		a.m.lids.SetDefault(jid, lid)
		return lid, nil
	})
	return v.(string)
}
