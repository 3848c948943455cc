package session

import (
	"context"

	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

// syncContact resolves one address into a consolidated contact.update.
func (a *actor) syncContact(ctx context.Context, c *v1.ContactSync) {
	if !a.connected() {
		a.log.Warn("session.contact.sync_skip", "jid", c.JID, "err", ErrNotConnected)
		return
	}
	jid := protocol.NormalizeJID(c.JID)
	if jid == "" {
		a.log.Warn("session.contact.sync_skip", "jid", c.JID, "err", ErrInvalidPayload)
		return
	}

	ev := v1.ContactUpdateEvent{SessionID: a.id, JID: jid, IsGroup: protocol.IsGroupJID(jid)}

	lctx, cancel := context.WithTimeout(ctx, a.m.cfg.LookupTimeout)
	defer cancel()

	switch {
	case ev.IsGroup:
		info, err := a.sock.GroupMetadata(lctx, jid)
		if err != nil {
			a.log.Debug("session.group.metadata_fail", "jid", jid, "err", err)
		} else {
			ev.Name = info.Subject
		}

	case protocol.IsLIDJID(jid):
		ev.LID = jid

	case protocol.IsUserJID(jid):
		entries, err := a.sock.OnWhatsApp(lctx, jid)
		if err != nil {
			a.log.Debug("session.lookup.fail", "jid", jid, "err", err)
		}
		if len(entries) > 0 {
			e := entries[0]
			if !e.Exists {
				a.log.Info("session.contact.not_on_network", "jid", jid)
				return
			}
			if canon := protocol.NormalizeJID(e.JID); canon != "" && canon != jid {
				ev.PreviousJID = jid
				ev.JID = canon
			}
			ev.Name = e.Name
			if e.LID != "" {
				ev.LID = protocol.NormalizeJID(e.LID)
				a.m.lids.SetDefault(ev.JID, ev.LID)
			}
		}
		if ev.LID == "" {
			ev.LID = a.lookupLID(ctx, ev.JID)
		}
		ev.Number = protocol.JIDUser(ev.JID)
	}

	ev.ProfilePicURL = a.avatar(ctx, ev.JID)
	a.publish(ev)
}

// importContacts checks a batch of numbers in one directory call and reports
// every contact that exists.
func (a *actor) importContacts(ctx context.Context, c *v1.ContactImport) {
	if !a.connected() {
		a.log.Warn("session.contact.import_skip", "count", len(c.Contacts), "err", ErrNotConnected)
		return
	}

	jids := make([]string, 0, len(c.Contacts))
	names := make(map[string]string, len(c.Contacts))
	for _, ct := range c.Contacts {
		jid := protocol.NormalizeJID(ct.Number)
		if jid == "" {
			continue
		}
		if _, dup := names[jid]; dup {
			continue
		}
		jids = append(jids, jid)
		names[jid] = ct.Name
	}
	if len(jids) == 0 {
		return
	}

	lctx, cancel := context.WithTimeout(ctx, a.m.cfg.LookupTimeout*2)
	entries, err := a.sock.OnWhatsApp(lctx, jids...)
	cancel()
	if err != nil {
		a.log.Warn("session.contact.import_fail", "count", len(jids), "err", err)
		return
	}

	found := 0
	for _, e := range entries {
		if !e.Exists {
			continue
		}
		jid := protocol.NormalizeJID(e.JID)
		if jid == "" {
			continue
		}
		name, ok := names[jid]
		if !ok || name == "" {
			name = e.Name
		}
		lid := protocol.NormalizeJID(e.LID)
		if lid != "" {
			a.m.lids.SetDefault(jid, lid)
		} else {
			lid = a.lookupLID(ctx, jid)
		}
		found++
		a.publish(v1.ContactUpdateEvent{
			SessionID:     a.id,
			JID:           jid,
			Number:        protocol.JIDUser(jid),
			LID:           lid,
			Name:          name,
			ProfilePicURL: a.avatar(ctx, jid),
		})
	}
	a.log.Info("session.contact.imported", "requested", len(jids), "found", found)
}

// onContacts forwards contact pushes from the socket.
func (a *actor) onContacts(ctx context.Context, contacts []protocol.Contact) {
	for _, c := range contacts {
		jid := protocol.NormalizeJID(c.ID)
		if jid == "" || jid == protocol.StatusBroadcast {
			continue
		}

		ev := v1.ContactUpdateEvent{
			SessionID: a.id,
			JID:       jid,
			LID:       protocol.NormalizeJID(c.LID),
			Name:      c.DisplayName(),
			IsGroup:   protocol.IsGroupJID(jid),
		}
		if protocol.IsUserJID(jid) {
			ev.Number = protocol.JIDUser(jid)
		}
		if ev.LID != "" && protocol.IsUserJID(jid) {
			a.m.lids.SetDefault(jid, ev.LID)
		}

		switch c.ImgURL {
		case "":
		case "changed":
			a.m.avatars.Delete(jid)
			ev.ProfilePicURL = a.avatar(ctx, jid)
		case "removed":
			a.m.avatars.Set(jid, "", negativeLookupTTL)
		default:
			a.m.avatars.SetDefault(jid, c.ImgURL)
			ev.ProfilePicURL = c.ImgURL
		}
		a.publish(ev)
	}
}

func (a *actor) onGroups(groups []protocol.GroupInfo) {
	for _, g := range groups {
		jid := protocol.NormalizeJID(g.ID)
		if jid == "" || g.Subject == "" {
			continue
		}
		a.publish(v1.ContactUpdateEvent{SessionID: a.id, JID: jid, Name: g.Subject, IsGroup: true})
	}
}
