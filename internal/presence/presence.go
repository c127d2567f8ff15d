// Package presence remembers the minimized room and tells a first join apart
// from a return to a room the user never left.
package presence

import (
	"sync"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Snapshot is the single minimized-room slot.
type Snapshot struct {
	RoomID     domain.RoomID
	Title      string
	Cover      string
	MicOn      bool
	CapturedAt time.Time
}

// Restore is the outcome of entering a room view.
type Restore struct {
	RoomID domain.RoomID
	// FirstJoin asks for a full reset of transient flags, mic off.
	FirstJoin bool
	MicOn     bool
}

type Coordinator struct {
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	snapshot *Snapshot
	joined   map[domain.RoomID]bool
}

func New() *Coordinator {
	return &Coordinator{
		logger: log.With().Str("module", "presence").Logger(),
		now:    time.Now,
		joined: make(map[domain.RoomID]bool),
	}
}

// Minimize captures room into the slot, overwriting any previous snapshot.
func (c *Coordinator) Minimize(room domain.Room, micOn bool) Snapshot {
	s := Snapshot{
		RoomID:     room.ID,
		Title:      room.Title,
		Cover:      room.Cover,
		MicOn:      micOn,
		CapturedAt: c.now(),
	}
	c.mu.Lock()
	prev := c.snapshot
	c.snapshot = &s
	c.mu.Unlock()

	ev := c.logger.Info().Str("room_id", string(room.ID)).Bool("mic", micOn)
	if prev != nil && prev.RoomID != room.ID {
		ev = ev.Str("replaced", string(prev.RoomID))
	}
	ev.Msg("room minimized")
	return s
}

// Current returns the minimized room, if any.
func (c *Coordinator) Current() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return Snapshot{}, false
	}
	return *c.snapshot, true
}

// Enter reports how to restore roomID. liveMic is the mic state of the
// membership session; a return to an already-joined room keeps it, with or
// without a snapshot. The snapshot of roomID is consumed.
func (c *Coordinator) Enter(roomID domain.RoomID, liveMic bool) Restore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined[roomID] {
		return Restore{RoomID: roomID, FirstJoin: true}
	}
	if c.snapshot != nil && c.snapshot.RoomID == roomID {
		if c.snapshot.MicOn != liveMic {
			c.logger.Debug().Str("room_id", string(roomID)).Bool("snapshot_mic", c.snapshot.MicOn).Bool("mic", liveMic).Msg("mic changed while minimized")
		}
		c.snapshot = nil
	}
	return Restore{RoomID: roomID, MicOn: liveMic}
}

// MarkJoined sets the "has joined before" flag of roomID.
func (c *Coordinator) MarkJoined(roomID domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[roomID] = true
}

// Forget runs on explicit leave: the flag is reset and a snapshot of roomID
// is dropped.
func (c *Coordinator) Forget(roomID domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, roomID)
	if c.snapshot != nil && c.snapshot.RoomID == roomID {
		c.snapshot = nil
	}
}

// Reset drops every flag and the snapshot, e.g. on logout.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	c.joined = make(map[domain.RoomID]bool)
}
