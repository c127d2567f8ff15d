// Package stream keeps the ordered message sequence of the active room and
// reconciles optimistic sends with the server broadcast.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBlankMessage     = errors.New("blank message")
	ErrInvalidUser      = errors.New("user identity required")
	ErrInvalidRoom      = errors.New("room id required")
	ErrMissingMessageID = protocol.ErrMissingMessageID
)

type Transport interface {
	Emit(eventType string, payload any) error
	On(eventType string, h protocol.Handler) func()
}

type Option func(*Controller)

// WithScope makes OnIncoming discard messages tagged for another room.
func WithScope(enabled bool) Option {
	return func(c *Controller) { c.scoped = enabled }
}

func WithMetrics(mc *metrics.Client) Option {
	return func(c *Controller) { c.mc = mc }
}

type Controller struct {
	t      Transport
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
	scoped bool
	mc     *metrics.Client

	mu        sync.RWMutex
	roomID    domain.RoomID
	messages  []domain.Message
	requested []domain.RoomID
	observers map[int]func()
	nextObs   int
}

func New(t Transport, opts ...Option) *Controller {
	c := &Controller{
		t:         t,
		logger:    log.With().Str("module", "stream").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
		scoped:    true,
		observers: make(map[int]func()),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach registers the history, new_message and message_deleted handlers.
// The returned func detaches all of them synchronously.
func (c *Controller) Attach() func() {
	offs := []func(){
		c.t.On(protocol.History, func(e protocol.Event) {
			var ps []protocol.MessagePayload
			if err := e.Decode(&ps); err != nil {
				c.logger.Error().Err(err).Msg("bad history")
				return
			}
			msgs := make([]domain.Message, 0, len(ps))
			for _, p := range ps {
				msgs = append(msgs, p.Domain())
			}
			c.ApplyHistory(msgs)
		}),
		c.t.On(protocol.NewMessage, func(e protocol.Event) {
			var p protocol.MessagePayload
			if err := e.Decode(&p); err != nil {
				c.logger.Error().Err(err).Msg("bad message")
				return
			}
			c.OnIncoming(p.Domain())
		}),
		c.t.On(protocol.MessageDeleted, func(e protocol.Event) {
			id, err := protocol.DecodeDeletion(e.Payload)
			if err != nil {
				c.logger.Error().Err(err).Msg("bad deletion")
				return
			}
			c.ApplyDeletion(id)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

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

// Bootstrap makes roomID the active room and requests its full history.
// Switching rooms clears the sequence first.
func (c *Controller) Bootstrap(roomID domain.RoomID) error {
	if strings.TrimSpace(string(roomID)) == "" {
		return ErrInvalidRoom
	}
	c.mu.Lock()
	if c.roomID != roomID {
		c.roomID = roomID
		c.messages = nil
	}
	c.mu.Unlock()
	c.changed()
	if err := c.t.Emit(protocol.RequestHistory, protocol.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.requested = append(c.requested, roomID)
	c.mu.Unlock()
	return nil
}

// DropRequests forgets the outstanding history requests. Called when no
// reply will be seen: the socket is gone or the view stays detached.
func (c *Controller) DropRequests() {
	c.mu.Lock()
	c.requested = nil
	c.mu.Unlock()
}

// ApplyHistory replaces the sequence with the snapshot, keeping its order and
// the first entry of any repeated id. Pending local echoes are dropped too.
// Replies arrive in request order, so a reply to a request made for another
// room is discarded even when the snapshot is empty and carries no room tag.
func (c *Controller) ApplyHistory(msgs []domain.Message) bool {
	c.mu.Lock()
	active := c.roomID
	if len(c.requested) > 0 {
		forRoom := c.requested[0]
		c.requested = c.requested[1:]
		if forRoom != active {
			c.mu.Unlock()
			c.logger.Debug().Str("room_id", string(active)).Str("requested_for", string(forRoom)).Msg("history reply for an earlier room discarded")
			c.stale("history")
			return false
		}
	}
	if active == "" {
		c.mu.Unlock()
		c.stale("history")
		return false
	}
	for _, m := range msgs {
		if m.RoomID != "" && m.RoomID != active {
			c.mu.Unlock()
			c.logger.Debug().Str("room_id", string(active)).Str("snapshot_room", string(m.RoomID)).Msg("history for another room discarded")
			c.stale("history")
			return false
		}
	}
	seen := make(map[string]struct{}, len(msgs))
	next := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Durable() {
			continue
		}
		if _, dup := seen[m.Key()]; dup {
			c.duplicate()
			continue
		}
		seen[m.Key()] = struct{}{}
		next = append(next, m)
	}
	c.messages = next
	c.mu.Unlock()

	c.logger.Debug().Str("room_id", string(active)).Int("count", len(next)).Msg("history applied")
	c.changed()
	return true
}

// OnIncoming applies one broadcast message. It resolves the matching pending
// echo in place, or appends when no entry shares its id.
func (c *Controller) OnIncoming(msg domain.Message) bool {
	if !msg.Durable() {
		c.logger.Debug().Str("text", msg.Text).Msg("message without id dropped")
		return false
	}
	c.mu.Lock()
	if c.roomID == "" || (c.scoped && msg.RoomID != "" && msg.RoomID != c.roomID) {
		active := c.roomID
		c.mu.Unlock()
		c.logger.Debug().Str("room_id", string(active)).Str("message_room", string(msg.RoomID)).Msg("message for another room discarded")
		c.stale("message")
		return false
	}
	key := msg.Key()
	for _, m := range c.messages {
		if m.Key() == key {
			c.mu.Unlock()
			c.duplicate()
			return false
		}
	}
	if i := c.pendingMatch(msg); i >= 0 {
		c.messages[i].Confirm(msg)
	} else {
		c.messages = append(c.messages, msg)
	}
	c.mu.Unlock()
	c.changed()
	return true
}

// pendingMatch must be called with c.mu held.
func (c *Controller) pendingMatch(msg domain.Message) int {
	if msg.LocalID != "" {
		for i, m := range c.messages {
			if m.State == domain.Pending && m.LocalID == msg.LocalID {
				return i
			}
		}
	}
	for i, m := range c.messages {
		if m.State == domain.Pending && m.SenderID == msg.SenderID && m.Text == msg.Text {
			return i
		}
	}
	return -1
}

// Send appends a pending echo and emits the message. The broadcast that
// comes back is authoritative.
func (c *Controller) Send(roomID domain.RoomID, user domain.User, text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, ErrBlankMessage
	}
	if err := user.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	if strings.TrimSpace(string(roomID)) == "" {
		return domain.Message{}, ErrInvalidRoom
	}

	m := domain.Message{
		LocalID:   c.newID(),
		RoomID:    roomID,
		SenderID:  user.ID,
		Username:  user.Username,
		Avatar:    user.Avatar,
		Text:      text,
		Timestamp: c.now().UTC(),
		State:     domain.Pending,
	}
	payload := protocol.SendPayload{
		RoomID:    roomID,
		UserID:    user.ID,
		Username:  user.Username,
		Avatar:    user.Avatar,
		Message:   text,
		Timestamp: m.Timestamp,
		ClientID:  m.LocalID,
	}
	if err := protocol.Validate(payload); err != nil {
		return domain.Message{}, err
	}

	c.mu.Lock()
	if c.roomID == roomID {
		c.messages = append(c.messages, m)
	}
	c.mu.Unlock()
	c.changed()

	if err := c.t.Emit(protocol.SendMessage, payload); err != nil {
		return m, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// Delete asks the server to delete a message. The local entry stays until the
// deletion event arrives.
func (c *Controller) Delete(roomID domain.RoomID, messageID domain.MessageID, userID domain.UserID) error {
	if messageID == "" {
		return ErrMissingMessageID
	}
	if userID == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(string(roomID)) == "" {
		return ErrInvalidRoom
	}
	return c.t.Emit(protocol.DeleteMessage, protocol.DeletePayload{MessageID: messageID, UserID: userID, RoomID: roomID})
}

// ApplyDeletion removes the message with id. An unknown id is a no-op.
func (c *Controller) ApplyDeletion(id domain.MessageID) bool {
	c.mu.Lock()
	idx := -1
	for i, m := range c.messages {
		if m.State == domain.Confirmed && m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	c.mu.Unlock()
	c.changed()
	return true
}

// CanDelete gates the delete affordance. The server enforces ownership.
func CanDelete(msg domain.Message, localUserID domain.UserID) bool {
	return localUserID != "" && msg.SenderID == localUserID && msg.Durable()
}

func (c *Controller) Messages() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Message(nil), c.messages...)
}

func (c *Controller) Room() domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Reset forgets the active room and its sequence.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.roomID = ""
	c.messages = nil
	c.mu.Unlock()
	c.changed()
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

func (c *Controller) duplicate() {
	if c.mc != nil {
		c.mc.DuplicatesSuppressed.Inc()
	}
}

func (c *Controller) stale(kind string) {
	if c.mc != nil {
		c.mc.StaleDiscarded.WithLabelValues(kind).Inc()
	}
}
