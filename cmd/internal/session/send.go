package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

// send executes one message.send.* command. Failures never reach the bus
// consumer: they become a failure ack when the caller gave a message id.
func (a *actor) send(ctx context.Context, cmd v1.SendCommand) {
	base := cmd.Send()
	err := a.trySend(ctx, cmd, base)
	if err == nil {
		return
	}

	reason := sendFailureReason(err)
	sendFailures.WithLabelValues(reason).Inc()
	a.log.Warn("session.send.fail", "type", cmd.CommandType(), "message_id", base.MessageID, "reason", reason, "err", err)

	if base.MessageID == "" {
		return
	}
	a.publish(v1.MessageAckEvent{
		SessionID: a.id,
		MessageID: base.MessageID,
		RemoteJID: protocol.NormalizeJID(base.To),
		FromMe:    true,
		Ack:       v1.AckSendFailed,
		Error:     err.Error(),
	})
}

func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return "invalid"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotOnNetwork):
		return "not_on_network"
	case errors.Is(err, protocol.ErrClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "protocol"
	}
}

func (a *actor) trySend(ctx context.Context, cmd v1.SendCommand, base v1.SendBase) error {
	if err := v1.ValidateCommand(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !a.connected() {
		return ErrNotConnected
	}
	if !a.allowSend(a.m.clock.Now()) {
		return ErrRateLimited
	}

	out, err := outgoingFor(cmd)
	if err != nil {
		return err
	}
	jid, err := a.resolveDestination(ctx, base.To)
	if err != nil {
		return err
	}

	id := base.MessageID
	if !protocol.IsMessageID(id) {
		id = protocol.NewMessageID()
	}
	// Registered before the call: the echo can arrive before SendMessage returns.
	a.m.rememberSend(a.id, id)

	opts := protocol.SendOptions{MessageID: id}
	if base.QuotedMessageID != "" {
		opts.Quoted = &protocol.MessageKey{RemoteJID: jid, FromMe: base.QuotedFromMe, ID: base.QuotedMessageID}
	}

	sent, err := a.sock.SendMessage(ctx, jid, out, opts)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if sent == nil {
		sent = &protocol.Message{}
	}
	if sent.Key.ID == "" {
		sent.Key.ID = id
	} else if sent.Key.ID != id {
		a.m.rememberSend(a.id, sent.Key.ID)
	}
	if sent.Key.RemoteJID == "" {
		sent.Key.RemoteJID = jid
	}
	sent.Key.FromMe = true
	if sent.Timestamp == 0 {
		sent.Timestamp = protocol.Timestamp(a.m.clock.Now().Unix())
	}
	if sent.Message == nil {
		sent.Message = contentFor(out)
	}

	if raw, err := json.Marshal(sent); err == nil {
		if err := a.m.deps.Store.RememberMessage(ctx, sent.Key.RemoteJID, sent.Key.ID, raw); err != nil {
			a.log.Warn("session.send.remember_fail", "message_id", sent.Key.ID, "err", err)
		}
	}

	a.log.Debug("session.send.ok", "type", cmd.CommandType(), "message_id", sent.Key.ID, "correlation_id", base.MessageID)
	a.processMessage(ctx, sent, normalizeOpts{correlationID: base.MessageID, skipEcho: true})
	return nil
}

// resolveDestination turns the caller's address into the network's canonical one.
// Lookup failures fall back to the normalized address.
func (a *actor) resolveDestination(ctx context.Context, to string) (string, error) {
	jid := protocol.NormalizeJID(to)
	if jid == "" {
		return "", fmt.Errorf("%w: destination %q", ErrInvalidPayload, to)
	}
	if protocol.IsGroupJID(jid) || protocol.IsBroadcastJID(jid) || protocol.IsLIDJID(jid) {
		return jid, nil
	}

	lctx, cancel := context.WithTimeout(ctx, a.m.cfg.LookupTimeout)
	entries, err := a.sock.OnWhatsApp(lctx, jid)
	cancel()
	if err != nil {
		a.log.Debug("session.lookup.fail", "jid", jid, "err", err)
		return jid, nil
	}
	if len(entries) == 0 {
		return jid, nil
	}

	e := entries[0]
	if !e.Exists {
		return "", fmt.Errorf("%w: %s", ErrNotOnNetwork, jid)
	}
	canon := protocol.NormalizeJID(e.JID)
	if canon == "" {
		canon = jid
	}
	if e.LID != "" {
		a.m.lids.SetDefault(canon, protocol.NormalizeJID(e.LID))
	}
	if canon != jid {
		a.log.Info("session.destination.corrected", "from", jid, "to", canon)
		a.publish(v1.ContactUpdateEvent{
			SessionID:   a.id,
			JID:         canon,
			PreviousJID: jid,
			Number:      protocol.JIDUser(canon),
			LID:         protocol.NormalizeJID(e.LID),
			Name:        e.Name,
		})
	}
	return canon, nil
}

// outgoingFor maps a send command onto the socket's message shape.
func outgoingFor(cmd v1.SendCommand) (protocol.OutgoingMessage, error) {
	switch c := cmd.(type) {
	case *v1.SendText:
		return protocol.OutgoingMessage{Text: c.Body, LinkPreview: c.LinkPreview}, nil

	case *v1.SendMedia:
		m := &protocol.OutgoingMedia{
			Kind:     c.MediaType,
			URL:      c.URL,
			Mimetype: c.Mimetype,
			FileName: c.FileName,
			Caption:  c.Caption,
			PTT:      c.PTT,
		}
		if c.Base64 != "" {
			data, err := base64.StdEncoding.DecodeString(c.Base64)
			if err != nil {
				return protocol.OutgoingMessage{}, fmt.Errorf("%w: base64: %v", ErrInvalidPayload, err)
			}
			m.Data = data
			m.URL = ""
		}
		return protocol.OutgoingMessage{Media: m}, nil

	case *v1.SendButtons:
		btns := make([]protocol.ReplyButton, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			btns = append(btns, protocol.ReplyButton{ID: b.ID, Text: b.Text})
		}
		return protocol.OutgoingMessage{Text: c.Text, Footer: c.Footer, Buttons: btns}, nil

	case *v1.SendList:
		sections := make([]protocol.ListSection, 0, len(c.Sections))
		for _, s := range c.Sections {
			rows := make([]protocol.ListRow, 0, len(s.Rows))
			for _, r := range s.Rows {
				rows = append(rows, protocol.ListRow{ID: r.ID, Title: r.Title, Description: r.Description})
			}
			sections = append(sections, protocol.ListSection{Title: s.Title, Rows: rows})
		}
		return protocol.OutgoingMessage{
			Text:   c.Text,
			Title:  c.Title,
			Footer: c.Footer,
			List:   &protocol.OutgoingList{ButtonText: c.ButtonText, Sections: sections},
		}, nil

	case *v1.SendPoll:
		return protocol.OutgoingMessage{Poll: &protocol.OutgoingPoll{
			Name:            c.Name,
			Options:         c.Options,
			SelectableCount: c.SelectableCount,
		}}, nil

	case *v1.SendTemplate:
		btns := make([]protocol.TemplateButton, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			btns = append(btns, protocol.TemplateButton{Kind: b.Kind, Text: b.Text, URL: b.URL, Phone: b.Phone, ID: b.ID})
		}
		return protocol.OutgoingMessage{Text: c.Text, Footer: c.Footer, Template: btns}, nil

	case *v1.SendInteractive:
		return protocol.OutgoingMessage{
			Text:        c.Body,
			Footer:      c.Footer,
			Interactive: &protocol.OutgoingInteractive{Header: c.Header, Buttons: flowButtons(c.Buttons)},
		}, nil

	case *v1.SendCarousel:
		cards := make([]protocol.CarouselCard, 0, len(c.Cards))
		for _, card := range c.Cards {
			cards = append(cards, protocol.CarouselCard{
				ImageURL: card.ImageURL,
				Header:   card.Header,
				Body:     card.Body,
				Footer:   card.Footer,
				Buttons:  flowButtons(card.Buttons),
			})
		}
		return protocol.OutgoingMessage{Text: c.Body, Carousel: cards}, nil
	}
	return protocol.OutgoingMessage{}, fmt.Errorf("%w: unsupported send %s", ErrInvalidPayload, cmd.CommandType())
}

func flowButtons(in []v1.FlowButton) []protocol.FlowButton {
	out := make([]protocol.FlowButton, 0, len(in))
	for _, b := range in {
		out = append(out, protocol.FlowButton{Name: b.Name, Params: b.Params})
	}
	return out
}

// contentFor rebuilds message content for a send result that came back without it,
// so the sent message normalizes like a received one.
func contentFor(out protocol.OutgoingMessage) *protocol.Content {
	switch {
	case out.Media != nil:
		mm := &protocol.MediaMessage{
			URL:      out.Media.URL,
			Mimetype: out.Media.Mimetype,
			Caption:  out.Media.Caption,
			FileName: out.Media.FileName,
			PTT:      out.Media.PTT,
		}
		switch out.Media.Kind {
		case "video":
			return &protocol.Content{Video: mm}
		case "audio":
			return &protocol.Content{Audio: mm}
		case "document":
			return &protocol.Content{Document: mm}
		case "sticker":
			return &protocol.Content{Sticker: mm}
		default:
			return &protocol.Content{Image: mm}
		}
	case len(out.Buttons) > 0:
		return &protocol.Content{Buttons: &protocol.ButtonsMessage{ContentText: out.Text, FooterText: out.Footer, Buttons: out.Buttons}}
	case out.List != nil:
		return &protocol.Content{List: &protocol.ListMessage{Title: out.Title, Description: out.Text, ButtonText: out.List.ButtonText}}
	case out.Poll != nil:
		opts := make([]protocol.PollOption, 0, len(out.Poll.Options))
		for _, o := range out.Poll.Options {
			opts = append(opts, protocol.PollOption{OptionName: o})
		}
		return &protocol.Content{PollCreation: &protocol.PollCreationMessage{
			Name:                   out.Poll.Name,
			Options:                opts,
			SelectableOptionsCount: out.Poll.SelectableCount,
		}}
	case len(out.Template) > 0:
		return &protocol.Content{Template: &protocol.TemplateMessage{HydratedContentText: out.Text, HydratedFooterText: out.Footer}}
	case out.Interactive != nil:
		return &protocol.Content{Interactive: &protocol.InteractiveMessage{Header: out.Interactive.Header, Body: out.Text, Footer: out.Footer}}
	case len(out.Carousel) > 0:
		return &protocol.Content{Interactive: &protocol.InteractiveMessage{Body: out.Text}}
	default:
		return &protocol.Content{Conversation: out.Text}
	}
}
