// Package mocks provides in-memory stand-ins for the connection manager.
package mocks

import (
	"errors"
	"sync"

	"github.com/dkeye/roomlink/internal/protocol"
)

var ErrNotConnected = errors.New("mock transport: not connected")

// Transport records emitted events and lets tests push inbound events to the
// registered handlers. Emit queues while disconnected, like the real manager.
type Transport struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Event
	queued    []protocol.Event
	handlers  map[string]map[int]protocol.Handler
	nextID    int
}

func NewTransport(connected bool) *Transport {
	return &Transport{connected: connected, handlers: make(map[string]map[int]protocol.Handler)}
}

// SetConnected flips the link; going up flushes the queue in order.
func (t *Transport) SetConnected(up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = up
	if up {
		t.sent = append(t.sent, t.queued...)
		t.queued = nil
	}
}

func (t *Transport) Emit(eventType string, payload any) error {
	e, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		t.sent = append(t.sent, e)
	} else {
		t.queued = append(t.queued, e)
	}
	return nil
}

func (t *Transport) EmitNow(eventType string, payload any) error {
	e, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.sent = append(t.sent, e)
	return nil
}

func (t *Transport) CancelQueued(pred func(protocol.Event) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.queued[:0]
	n := 0
	for _, e := range t.queued {
		if pred(e) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	t.queued = kept
	return n
}

func (t *Transport) On(eventType string, h protocol.Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	if t.handlers[eventType] == nil {
		t.handlers[eventType] = make(map[int]protocol.Handler)
	}
	t.handlers[eventType][id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[eventType], id)
	}
}

// Push delivers an inbound event to every handler registered for its type.
func (t *Transport) Push(eventType string, payload any) error {
	e, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	t.PushEvent(e)
	return nil
}

func (t *Transport) PushEvent(e protocol.Event) {
	t.mu.Lock()
	hs := make([]protocol.Handler, 0, len(t.handlers[e.Type]))
	for _, h := range t.handlers[e.Type] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(e)
	}
}

// Sent returns emitted events, optionally filtered by type.
func (t *Transport) Sent(types ...string) []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return filter(t.sent, types)
}

func (t *Transport) Queued(types ...string) []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return filter(t.queued, types)
}

// Handlers reports how many handlers are registered for eventType.
func (t *Transport) Handlers(eventType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers[eventType])
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent, t.queued = nil, nil
}

func filter(events []protocol.Event, types []string) []protocol.Event {
	out := make([]protocol.Event, 0, len(events))
	for _, e := range events {
		if len(types) == 0 {
			out = append(out, e)
			continue
		}
		for _, typ := range types {
			if e.Type == typ {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
