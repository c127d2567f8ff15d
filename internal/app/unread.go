package app

import (
	"sync"

	"github.com/dkeye/roomlink/internal/domain"
)

// UnreadBook counts room messages a user missed while outside the room.
type UnreadBook struct {
	mu     sync.Mutex
	counts map[domain.UserID]map[domain.RoomID]int
}

func NewUnreadBook() *UnreadBook {
	return &UnreadBook{counts: make(map[domain.UserID]map[domain.RoomID]int)}
}

func (b *UnreadBook) Add(uid domain.UserID, room domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts[uid] == nil {
		b.counts[uid] = make(map[domain.RoomID]int)
	}
	b.counts[uid][room]++
}

func (b *UnreadBook) Reset(uid domain.UserID, room domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counts[uid], room)
	if len(b.counts[uid]) == 0 {
		delete(b.counts, uid)
	}
}

// Snapshot is keyed by conversation id, the wire shape of unread_snapshot.
func (b *UnreadBook) Snapshot(uid domain.UserID) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.counts[uid]))
	for room, n := range b.counts[uid] {
		out[string(room)] = n
	}
	return out
}
