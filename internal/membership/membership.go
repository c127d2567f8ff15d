// Package membership implements the join/leave protocol of a room and keeps
// the listener and speaker rosters the server pushes.
package membership

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidRoom = errors.New("room id required")
	ErrInvalidUser = errors.New("user identity required")
	ErrNotInRoom   = errors.New("not in room")
)

type State int

const (
	Idle State = iota
	Joining
	Listener
	Speaker
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Listener:
		return "listener"
	case Speaker:
		return "speaker"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Transport is the part of the connection manager the controller needs.
type Transport interface {
	Emit(eventType string, payload any) error
	EmitNow(eventType string, payload any) error
	CancelQueued(pred func(protocol.Event) bool) int
	On(eventType string, h protocol.Handler) func()
}

// Session is the relationship between the local user and the active room.
type Session struct {
	RoomID   domain.RoomID
	User     domain.User
	JoinedAt time.Time
	State    State
	MicOpen  bool
}

type Controller struct {
	t      Transport
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	session    Session
	rosterRoom domain.RoomID
	listeners  []domain.Member
	speakers   []domain.Speaker
	observers  map[int]func()
	nextObs    int
}

func New(t Transport) *Controller {
	return &Controller{
		t:         t,
		logger:    log.With().Str("module", "membership").Logger(),
		now:       time.Now,
		observers: make(map[int]func()),
	}
}

// Attach registers the roster handlers on the transport. The returned func
// detaches them synchronously.
func (c *Controller) Attach() func() {
	offListeners := c.t.On(protocol.Listeners, func(e protocol.Event) {
		var members []domain.Member
		if err := e.Decode(&members); err != nil {
			c.logger.Error().Err(err).Msg("bad listener roster")
			return
		}
		c.ApplyListeners(members)
	})
	offSpeakers := c.t.On(protocol.Speakers, func(e protocol.Event) {
		var speakers []domain.Speaker
		if err := e.Decode(&speakers); err != nil {
			c.logger.Error().Err(err).Msg("bad speaker roster")
			return
		}
		c.ApplySpeakers(speakers)
	})
	return func() {
		offListeners()
		offSpeakers()
	}
}

// OnChange registers f to run after every roster or role change.
func (c *Controller) OnChange(f func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = f
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Join enters roomID as a listener. Rosters cached for another room are
// dropped first. When the connection is down the join is queued, never lost.
func (c *Controller) Join(roomID domain.RoomID, user domain.User) error {
	if strings.TrimSpace(string(roomID)) == "" {
		return ErrInvalidRoom
	}
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	payload := protocol.JoinPayload{RoomID: roomID, User: user}
	if err := protocol.Validate(payload); err != nil {
		return err
	}

	c.mu.Lock()
	if c.rosterRoom != roomID {
		c.listeners, c.speakers = nil, nil
		c.rosterRoom = ""
	}
	rejoin := c.session.RoomID == roomID && c.active()
	if !rejoin {
		c.session = Session{
			RoomID:   roomID,
			User:     user,
			JoinedAt: c.now(),
			State:    Joining,
		}
	}
	c.mu.Unlock()

	c.logger.Info().Str("room_id", string(roomID)).Str("user_id", string(user.ID)).Bool("rejoin", rejoin).Msg("join")
	c.changed()
	return c.t.Emit(protocol.JoinRoom, payload)
}

// Rejoin re-announces the active session, e.g. on a fresh socket after a
// reconnect. A speaker also re-requests its role and mic state.
func (c *Controller) Rejoin() error {
	c.mu.RLock()
	s, active := c.session, c.active()
	c.mu.RUnlock()
	if !active {
		return ErrNotInRoom
	}
	if err := c.Join(s.RoomID, s.User); err != nil {
		return err
	}
	if s.State == Speaker {
		if err := c.emitSpeaker(s.RoomID, s.User.ID, s.MicOpen); err != nil {
			return err
		}
	}
	return c.RequestRosterSnapshot()
}

// RequestRosterSnapshot asks the server to push fresh rosters.
func (c *Controller) RequestRosterSnapshot() error {
	c.mu.RLock()
	roomID, active := c.session.RoomID, c.active()
	c.mu.RUnlock()
	if !active {
		return ErrNotInRoom
	}
	return c.t.Emit(protocol.RequestRoster, protocol.RoomPayload{RoomID: roomID})
}

// ApplyListeners replaces the listener roster with the pushed set.
func (c *Controller) ApplyListeners(members []domain.Member) bool {
	c.mu.Lock()
	if !c.active() {
		c.mu.Unlock()
		c.logger.Debug().Int("count", len(members)).Msg("listener roster ignored, no active room")
		return false
	}
	c.listeners = append([]domain.Member(nil), members...)
	c.rosterRoom = c.session.RoomID
	if c.session.State == Joining {
		c.session.State = Listener
	}
	c.mu.Unlock()
	c.changed()
	return true
}

// ApplySpeakers replaces the speaker roster with the pushed set. The local
// user listed there is promoted to speaker; absence never demotes, because an
// optimistic promotion may still be in flight.
func (c *Controller) ApplySpeakers(speakers []domain.Speaker) bool {
	c.mu.Lock()
	if !c.active() {
		c.mu.Unlock()
		c.logger.Debug().Int("count", len(speakers)).Msg("speaker roster ignored, no active room")
		return false
	}
	c.speakers = append([]domain.Speaker(nil), speakers...)
	c.rosterRoom = c.session.RoomID
	if c.session.State == Joining {
		c.session.State = Listener
	}
	for _, s := range speakers {
		if s.ID == c.session.User.ID {
			c.session.State = Speaker
			c.session.MicOpen = s.MicOpen
			break
		}
	}
	c.mu.Unlock()
	c.changed()
	return true
}

// BecomeSpeaker switches the local role optimistically and asks the server
// for the speaker role. Only the speaker roster push makes it authoritative.
func (c *Controller) BecomeSpeaker(roomID domain.RoomID, user domain.User, micOpen bool) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	c.mu.Lock()
	if !c.active() || c.session.RoomID != roomID {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	c.session.State = Speaker
	c.session.MicOpen = micOpen
	c.mu.Unlock()

	c.logger.Info().Str("room_id", string(roomID)).Str("user_id", string(user.ID)).Bool("mic", micOpen).Msg("become speaker")
	c.changed()
	return c.emitSpeaker(roomID, user.ID, micOpen)
}

func (c *Controller) ToggleMic(roomID domain.RoomID, userID domain.UserID, open bool) error {
	if userID == "" {
		return ErrInvalidUser
	}
	c.mu.Lock()
	if !c.active() || c.session.RoomID != roomID {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	c.session.MicOpen = open
	c.mu.Unlock()
	c.changed()
	return c.t.Emit(protocol.MicToggle, protocol.MicPayload{RoomID: roomID, UserID: userID, MicOpen: open})
}

func (c *Controller) emitSpeaker(roomID domain.RoomID, userID domain.UserID, micOpen bool) error {
	if err := c.t.Emit(protocol.BecomeSpeaker, protocol.SpeakerPayload{RoomID: roomID, UserID: userID}); err != nil {
		return err
	}
	return c.t.Emit(protocol.MicToggle, protocol.MicPayload{RoomID: roomID, UserID: userID, MicOpen: micOpen})
}

// Leave exits roomID once. Queued membership events for the room are
// cancelled; while disconnected the leave is a local cleanup only.
func (c *Controller) Leave(roomID domain.RoomID, userID domain.UserID) error {
	c.mu.Lock()
	if !c.active() || c.session.RoomID != roomID {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	c.session.State = Leaving
	if userID == "" {
		userID = c.session.User.ID
	}
	c.mu.Unlock()

	joinQueued := false
	c.t.CancelQueued(func(e protocol.Event) bool {
		if !membershipEvent(e.Type) || payloadRoom(e) != roomID {
			return false
		}
		if e.Type == protocol.JoinRoom {
			joinQueued = true
		}
		return true
	})

	logger := c.logger.With().Str("room_id", string(roomID)).Str("user_id", string(userID)).Logger()
	if joinQueued {
		logger.Info().Msg("leave before join was sent, local cleanup only")
	} else if err := c.t.EmitNow(protocol.LeaveRoom, protocol.LeavePayload{RoomID: roomID, UserID: userID}); err != nil {
		logger.Info().Err(err).Msg("leave not delivered, local cleanup only")
	} else {
		logger.Info().Msg("leave")
	}

	c.mu.Lock()
	c.session = Session{}
	c.listeners, c.speakers = nil, nil
	c.rosterRoom = ""
	c.mu.Unlock()
	c.changed()
	return nil
}

// LeaveOnUnload is the best-effort leave issued when the process or tab goes
// away. Delivery is not guaranteed.
func (c *Controller) LeaveOnUnload() error {
	c.mu.RLock()
	s, active := c.session, c.active()
	c.mu.RUnlock()
	if !active {
		return nil
	}
	return c.Leave(s.RoomID, s.User.ID)
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.State
}

// Session returns a copy of the active membership session.
func (c *Controller) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.active()
}

func (c *Controller) Listeners() []domain.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Member(nil), c.listeners...)
}

func (c *Controller) Speakers() []domain.Speaker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Speaker(nil), c.speakers...)
}

// active must be called with c.mu held.
func (c *Controller) active() bool {
	switch c.session.State {
	case Joining, Listener, Speaker:
		return true
	}
	return false
}

func (c *Controller) changed() {
	c.mu.RLock()
	obs := make([]func(), 0, len(c.observers))
	for _, f := range c.observers {
		obs = append(obs, f)
	}
	c.mu.RUnlock()
	for _, f := range obs {
		f()
	}
}

func membershipEvent(t string) bool {
	switch t {
	case protocol.JoinRoom, protocol.BecomeSpeaker, protocol.MicToggle, protocol.RequestRoster:
		return true
	}
	return false
}

func payloadRoom(e protocol.Event) domain.RoomID {
	var p struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.RoomID
}
