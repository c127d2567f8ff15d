package orch

import (
	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join puts sid into roomID. A session in another room leaves it first; a
// repeated join for the same room only resends the rosters.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID, announced domain.User) error {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	if announced.ID != session.Meta().ID {
		if !o.Registry.IsGuest(sid) {
			return ErrIdentityMismatch
		}
	}

	if o.Registry.IsGuest(sid) && *session.Meta() != announced {
		u := domain.User{ID: announced.ID, Avatar: announced.Avatar}
		if err := u.SetUsername(announced.Username); err != nil {
			return err
		}
		session = core.NewMemberSession(&u, session.Signal())
		o.Registry.Rebind(sid, session)
	}

	current, _, inRoom := o.Registry.RoomOf(sid)
	if inRoom && current != roomID {
		o.cleanupMembership(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("left previous room")
	}

	room := o.Rooms.GetOrCreate(roomID)
	room.AddMember(sid, session)
	o.Registry.UpdateRoom(sid, roomID)
	if o.Unread != nil {
		o.Unread.Reset(session.Meta().ID, roomID)
	}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("added to room")
	o.pushRosters(room)
	return nil
}

// Leave removes sid from roomID. Leaving a room the session is not in is a
// no-op.
func (o *Orchestrator) Leave(sid core.SessionID, roomID domain.RoomID) {
	current, _, ok := o.Registry.RoomOf(sid)
	if !ok || current != roomID {
		return
	}
	o.cleanupMembership(sid)
}

func (o *Orchestrator) BecomeSpeaker(sid core.SessionID, roomID domain.RoomID) error {
	room, session, err := o.roomOf(sid, roomID)
	if err != nil {
		return err
	}
	if !room.Promote(session.Meta().ID) {
		return ErrNotInRoom
	}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("promoted to speaker")
	o.pushRosters(room)
	return nil
}

func (o *Orchestrator) ToggleMic(sid core.SessionID, roomID domain.RoomID, open bool) error {
	room, session, err := o.roomOf(sid, roomID)
	if err != nil {
		return err
	}
	if !room.SetMic(session.Meta().ID, open) {
		return ErrNotSpeaker
	}
	o.pushRosters(room)
	return nil
}

// Roster sends the current rosters of roomID to sid only.
func (o *Orchestrator) Roster(sid core.SessionID, roomID domain.RoomID) error {
	room, session, err := o.roomOf(sid, roomID)
	if err != nil {
		return err
	}
	o.send(session, protocol.Listeners, room.Listeners())
	o.send(session, protocol.Speakers, room.Speakers())
	return nil
}

// KickBySID drops sid from its room and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMembership(sid)
	if o.Registry.Cancel(sid) && o.Metrics != nil {
		o.Metrics.Kicked.Inc()
	}
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return
	}
	if _, removed := room.RemoveMember(sid); removed {
		o.pushRosters(room)
	}
}

func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(id)
}

// pushRosters sends both full rosters to every member of room.
func (o *Orchestrator) pushRosters(room core.RoomService) {
	o.publish(room, "", protocol.Listeners, room.Listeners())
	o.publish(room, "", protocol.Speakers, room.Speakers())
}

func (o *Orchestrator) roomOf(sid core.SessionID, roomID domain.RoomID) (core.RoomService, core.MemberSession, error) {
	current, session, ok := o.Registry.RoomOf(sid)
	if !ok || current != roomID {
		return nil, nil, ErrNotInRoom
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	return room, session, nil
}
