// Package unread aggregates per-conversation unread counters from push
// events, independent of the open room.
package unread

import (
	"sync"

	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Subscriber interface {
	On(eventType string, h protocol.Handler) func()
}

// Counters holds non-negative unread counts. The total is derived on read.
type Counters struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	counts    map[string]int
	observers map[int]func(id string, count int)
	nextObs   int
}

func New() *Counters {
	return &Counters{
		logger:    log.With().Str("module", "unread").Logger(),
		counts:    make(map[string]int),
		observers: make(map[int]func(string, int)),
	}
}

// Attach subscribes to notification and unread_snapshot. A notification for
// a conversation isOpen reports as open is not counted.
func (c *Counters) Attach(sub Subscriber, isOpen func(id string) bool) func() {
	offNotify := sub.On(protocol.Notification, func(e protocol.Event) {
		var p protocol.NotificationPayload
		if err := e.Decode(&p); err != nil || p.ConversationID == "" {
			c.logger.Error().Err(err).Msg("bad notification")
			return
		}
		if isOpen != nil && isOpen(p.ConversationID) {
			return
		}
		c.Increment(p.ConversationID, 1)
	})
	offSnapshot := sub.On(protocol.UnreadSnapshot, func(e protocol.Event) {
		var counts map[string]int
		if err := e.Decode(&counts); err != nil {
			c.logger.Error().Err(err).Msg("bad unread snapshot")
			return
		}
		c.Hydrate(counts)
	})
	return func() {
		offNotify()
		offSnapshot()
	}
}

// OnChange registers f for every counter that actually changes.
func (c *Counters) OnChange(f func(id string, count int)) func() {
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

// Increment adds by to id, clamping the result at zero.
func (c *Counters) Increment(id string, by int) int {
	c.mu.Lock()
	prev := c.counts[id]
	next := max(prev+by, 0)
	c.set(id, next)
	c.mu.Unlock()
	if next != prev {
		c.changed(id, next)
	}
	return next
}

// Reset zeroes id. Already zero is a no-op without a change notification.
func (c *Counters) Reset(id string) {
	c.mu.Lock()
	if c.counts[id] == 0 {
		c.mu.Unlock()
		return
	}
	c.set(id, 0)
	c.mu.Unlock()
	c.changed(id, 0)
}

// Hydrate bulk-sets counters from a server snapshot, each clamped at zero.
func (c *Counters) Hydrate(counts map[string]int) {
	type change struct {
		id    string
		count int
	}
	var changes []change
	c.mu.Lock()
	for id, n := range counts {
		n = max(n, 0)
		if c.counts[id] == n {
			continue
		}
		c.set(id, n)
		changes = append(changes, change{id, n})
	}
	c.mu.Unlock()
	for _, ch := range changes {
		c.changed(ch.id, ch.count)
	}
}

// Clear drops every counter, e.g. when the account logs out. Observers hear
// about each counter that was non-zero.
func (c *Counters) Clear() {
	c.mu.Lock()
	prev := c.counts
	c.counts = make(map[string]int)
	c.mu.Unlock()
	for id := range prev {
		c.changed(id, 0)
	}
}

func (c *Counters) Get(id string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[id]
}

func (c *Counters) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

func (c *Counters) Snapshot() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.counts))
	for id, n := range c.counts {
		out[id] = n
	}
	return out
}

// set must be called with c.mu held.
func (c *Counters) set(id string, n int) {
	if n == 0 {
		delete(c.counts, id)
		return
	}
	c.counts[id] = n
}

func (c *Counters) changed(id string, count int) {
	c.mu.RLock()
	obs := make([]func(string, int), 0, len(c.observers))
	for _, f := range c.observers {
		obs = append(obs, f)
	}
	c.mu.RUnlock()
	for _, f := range obs {
		f(id, count)
	}
}
