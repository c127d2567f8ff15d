package core

import (
	"sync"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room         domain.Room
	historyLimit int

	mu          sync.RWMutex
	order       []SessionID
	bySID       map[SessionID]MemberSession
	speakers    map[domain.UserID]bool
	speakerSeq  []domain.UserID
	subscribers map[domain.UserID]struct{}
	history     []domain.Message
}

func NewRoomService(room domain.Room, historyLimit int) RoomService {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &roomImpl{
		room:         room,
		historyLimit: historyLimit,
		bySID:        make(map[SessionID]MemberSession),
		speakers:     make(map[domain.UserID]bool),
		subscribers:  make(map[domain.UserID]struct{}),
	}
}

func (r *roomImpl) Room() domain.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.room
	room.IsLive = len(r.bySID) > 0
	return room
}

func (r *roomImpl) Info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomInfo{
		ID:           r.room.ID,
		Title:        r.room.Title,
		MemberCount:  len(r.bySID),
		SpeakerCount: len(r.speakers),
		IsLive:       len(r.bySID) > 0,
	}
}

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) {
	u := ms.Meta().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		r.order = append(r.order, sid)
	}
	r.bySID[sid] = ms
	r.subscribers[u] = struct{}{}
	log.Info().Str("module", "core.room").Str("room_id", string(r.room.ID)).Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
}

// RemoveMember drops sid. The user loses the speaker role once none of its
// sessions is left in the room.
func (r *roomImpl) RemoveMember(sid SessionID) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return "", false
	}
	u := ms.Meta().ID
	delete(r.bySID, sid)
	for i, s := range r.order {
		if s == sid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if !r.hasUser(u) && r.speakers[u] {
		delete(r.speakers, u)
		r.dropSpeakerSeq(u)
	}
	log.Info().Str("module", "core.room").Str("room_id", string(r.room.ID)).Str("sid", string(sid)).Msg("member removed")
	return u, true
}

// Subscribers returns every user that ever joined the room.
func (r *roomImpl) Subscribers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.subscribers))
	for u := range r.subscribers {
		out = append(out, u)
	}
	return out
}

// Listeners lists members without the speaker role, one entry per user, in
// join order.
func (r *roomImpl) Listeners() []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[domain.UserID]struct{}, len(r.order))
	out := make([]domain.Member, 0, len(r.order))
	for _, sid := range r.order {
		u := r.bySID[sid].Meta()
		if _, dup := seen[u.ID]; dup || r.speakers[u.ID] {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, domain.NewMember(u))
	}
	return out
}

func (r *roomImpl) Speakers() []domain.Speaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Speaker, 0, len(r.speakerSeq))
	for _, uid := range r.speakerSeq {
		if u := r.user(uid); u != nil {
			out = append(out, domain.NewSpeaker(u, r.speakers[uid]))
		}
	}
	return out
}

// Promote grants uid the speaker role with the mic closed. It reports false
// when uid is not in the room.
func (r *roomImpl) Promote(uid domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasUser(uid) {
		return false
	}
	if _, ok := r.speakers[uid]; !ok {
		r.speakers[uid] = false
		r.speakerSeq = append(r.speakerSeq, uid)
	}
	return true
}

func (r *roomImpl) SetMic(uid domain.UserID, open bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.speakers[uid]; !ok {
		return false
	}
	r.speakers[uid] = open
	return true
}

func (r *roomImpl) AppendMessage(m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, m)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append([]domain.Message(nil), r.history[over:]...)
	}
}

func (r *roomImpl) DeleteMessage(id domain.MessageID, by domain.UserID) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.history {
		if m.ID != id {
			continue
		}
		if m.SenderID != by {
			return domain.Message{}, ErrNotOwner
		}
		r.history = append(r.history[:i], r.history[i+1:]...)
		return m, nil
	}
	return domain.Message{}, ErrMessageNotFound
}

func (r *roomImpl) History() []domain.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Message(nil), r.history...)
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, sid := range r.order {
		if sid == from {
			continue
		}
		if err := r.bySID[sid].Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// hasUser must be called with r.mu held.
func (r *roomImpl) hasUser(uid domain.UserID) bool {
	return r.user(uid) != nil
}

// user must be called with r.mu held.
func (r *roomImpl) user(uid domain.UserID) *domain.User {
	for _, sid := range r.order {
		if u := r.bySID[sid].Meta(); u.ID == uid {
			return u
		}
	}
	return nil
}

// dropSpeakerSeq must be called with r.mu held.
func (r *roomImpl) dropSpeakerSeq(uid domain.UserID) {
	for i, s := range r.speakerSeq {
		if s == uid {
			r.speakerSeq = append(r.speakerSeq[:i], r.speakerSeq[i+1:]...)
			return
		}
	}
}
