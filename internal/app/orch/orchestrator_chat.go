package orch

import (
	"time"

	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Send stores a message, broadcasts it to the whole room (sender included,
// with the client id echoed) and notifies subscribers elsewhere.
func (o *Orchestrator) Send(sid core.SessionID, p protocol.SendPayload) (domain.Message, error) {
	room, session, err := o.roomOf(sid, p.RoomID)
	if err != nil {
		return domain.Message{}, err
	}
	user := session.Meta()
	if p.UserID != user.ID {
		return domain.Message{}, ErrIdentityMismatch
	}
	m := domain.Message{
		ID:        domain.MessageID(uuid.NewString()),
		LocalID:   p.ClientID,
		RoomID:    p.RoomID,
		SenderID:  user.ID,
		Username:  user.Username,
		Avatar:    user.Avatar,
		Text:      p.Message,
		Timestamp: time.Now().UTC(),
		State:     domain.Confirmed,
	}
	stored := m
	stored.LocalID = ""
	room.AppendMessage(stored)
	o.publish(room, "", protocol.NewMessage, protocol.FromDomain(m))
	o.notify(room, sid)
	log.Debug().Str("module", "app.orch").Str("room_id", string(p.RoomID)).Str("message_id", string(m.ID)).Msg("message sent")
	return m, nil
}

// notify tells every subscriber of room that is currently elsewhere about
// the new message.
func (o *Orchestrator) notify(room core.RoomService, from core.SessionID) {
	roomID := room.Room().ID
	for _, uid := range room.Subscribers() {
		counted := false
		for _, snap := range o.Registry.SessionsOfUser(uid) {
			if snap.RoomID == roomID || snap.SID == from {
				continue
			}
			o.send(snap.Session, protocol.Notification, protocol.NotificationPayload{ConversationID: string(roomID)})
			if !counted && o.Unread != nil {
				o.Unread.Add(uid, roomID)
				counted = true
			}
		}
	}
}

// Delete removes a message of the sender and broadcasts the deletion.
func (o *Orchestrator) Delete(sid core.SessionID, p protocol.DeletePayload) error {
	room, session, err := o.roomOf(sid, p.RoomID)
	if err != nil {
		return err
	}
	if _, err := room.DeleteMessage(p.MessageID, session.Meta().ID); err != nil {
		return err
	}
	o.publish(room, "", protocol.MessageDeleted, protocol.DeletePayload{
		MessageID: p.MessageID,
		UserID:    session.Meta().ID,
		RoomID:    p.RoomID,
	})
	return nil
}

// History sends the stored messages of roomID to sid.
func (o *Orchestrator) History(sid core.SessionID, roomID domain.RoomID) error {
	room, session, err := o.roomOf(sid, roomID)
	if err != nil {
		return err
	}
	msgs := room.History()
	out := make([]protocol.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.FromDomain(m))
	}
	o.send(session, protocol.History, out)
	return nil
}
