package session

import (
	"context"

	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

const defaultHistoryCount = 50

func (a *actor) syncHistory(ctx context.Context, c *v1.HistorySync) {
	jid := protocol.NormalizeJID(c.JID)
	fail := func(err error) {
		a.log.Warn("session.history.fail", "jid", jid, "err", err)
		a.publish(v1.HistoryStatusEvent{SessionID: a.id, Status: v1.HistoryFailed, JID: jid, Error: err.Error()})
	}
	if !a.connected() {
		fail(ErrNotConnected)
		return
	}

	count := c.Count
	if count <= 0 {
		count = defaultHistoryCount
	}
	reqID, err := a.sock.FetchMessageHistory(ctx, protocol.HistoryRequest{
		Count:           count,
		Oldest:          protocol.MessageKey{RemoteJID: jid, FromMe: c.OldestFromMe, ID: c.OldestMessageID},
		OldestTimestamp: c.OldestTimestamp,
	})
	if err != nil {
		fail(err)
		return
	}
	a.publish(v1.HistoryStatusEvent{SessionID: a.id, Status: v1.HistoryRequested, JID: jid, RequestID: reqID, Count: count})
}

// onHistory normalizes one history chunk and reports its progress.
func (a *actor) onHistory(ctx context.Context, h protocol.HistorySet) {
	for i := range h.Messages {
		a.processMessage(ctx, &h.Messages[i], normalizeOpts{history: true})
	}
	if len(h.Contacts) > 0 {
		a.onContacts(ctx, h.Contacts)
	}
	a.log.Info("session.history.received", "messages", len(h.Messages), "progress", h.Progress, "latest", h.IsLatest)
	a.publish(v1.HistoryStatusEvent{
		SessionID: a.id,
		Status:    v1.HistoryReceived,
		RequestID: h.RequestID,
		Count:     len(h.Messages),
		Progress:  h.Progress,
		IsLatest:  h.IsLatest,
	})
}

func (a *actor) markAsRead(ctx context.Context, c *v1.MarkAsRead) {
	if !a.connected() {
		a.log.Warn("session.read.skip", "jid", c.JID, "err", ErrNotConnected)
		return
	}
	jid := protocol.NormalizeJID(c.JID)
	participant := protocol.NormalizeJID(c.Participant)

	keys := make([]protocol.MessageKey, 0, len(c.MessageIDs))
	for _, id := range c.MessageIDs {
		keys = append(keys, protocol.MessageKey{RemoteJID: jid, ID: id, Participant: participant})
	}
	if err := a.sock.ReadMessages(ctx, keys); err != nil {
		a.log.Warn("session.read.fail", "jid", jid, "count", len(keys), "err", err)
	}
}
