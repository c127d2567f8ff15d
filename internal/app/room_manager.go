package app

import (
	"sort"
	"sync"

	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	historyLimit int

	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager(historyLimit int) core.RoomManager {
	return &RoomManagerImpl{historyLimit: historyLimit, rooms: make(map[domain.RoomID]core.RoomService)}
}

// Create registers a room with metadata. An existing room is returned as is.
func (f *RoomManagerImpl) Create(meta domain.Room) core.RoomService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[meta.ID]; ok {
		return room
	}
	if meta.Title == "" {
		meta.Title = string(meta.ID)
	}
	meta.IsLive = false
	room := core.NewRoomService(meta, f.historyLimit)
	f.rooms[meta.ID] = room
	log.Info().Str("module", "app.rooms").Str("room_id", string(meta.ID)).Str("title", meta.Title).Msg("room created")
	return room
}

func (f *RoomManagerImpl) GetOrCreate(id domain.RoomID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	return f.Create(domain.Room{ID: id})
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}
