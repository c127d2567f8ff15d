package app

import (
	"context"
	"sync"

	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	RoomID  domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
	Guest   bool
}

// Registry maps live signal sessions to their user and current room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(sess.Meta().ID)).Msg("bound signal")
}

// BindGuest is BindSignal for a session without a verified token. A guest
// may take the identity it announces on join.
func (r *Registry) BindGuest(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel, Guest: true}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound guest signal")
}

func (r *Registry) IsGuest(sid core.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	return ok && e.Guest
}

// Rebind swaps the member session of sid, keeping its room association.
func (r *Registry) Rebind(sid core.SessionID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Session = sess
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(sess.Meta().ID)).Msg("rebound session")
	return true
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.RoomID == "" {
		return "", nil, false
	}
	return entry.RoomID, entry.Session, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.RoomID = room
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room_id", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.RoomID = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
}

type regSnap struct {
	SID     core.SessionID
	RoomID  domain.RoomID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.RoomID == room {
			out = append(out, regSnap{SID: sid, RoomID: e.RoomID, Session: e.Session})
		}
	}
	return out
}

// SessionsOfUser returns every live session of uid, whatever room it is in.
func (r *Registry) SessionsOfUser(uid domain.UserID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []regSnap
	for sid, e := range r.sessions {
		if e.Session.Meta().ID == uid {
			out = append(out, regSnap{SID: sid, RoomID: e.RoomID, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
