package app

import (
	"sync"

	"github.com/dkeye/roomlink/internal/core"
)

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(sid core.SessionID) BackpressureAction
	Forget(sid core.SessionID)
}

// DropPolicy drops frames for a slow member until it has missed more than
// Tolerance of them, then kicks it. With Tolerance 0 the first miss kicks.
// A kicked client reconnects and resyncs from snapshots.
type DropPolicy struct {
	Tolerance int

	mu    sync.Mutex
	drops map[core.SessionID]int
}

func NewDropPolicy(tolerance int) *DropPolicy {
	return &DropPolicy{Tolerance: tolerance, drops: make(map[core.SessionID]int)}
}

func (p *DropPolicy) OnBackPressure(sid core.SessionID) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops[sid]++
	if p.drops[sid] > p.Tolerance {
		delete(p.drops, sid)
		return KickMember
	}
	return DropFrame
}

func (p *DropPolicy) Forget(sid core.SessionID) {
	p.mu.Lock()
	delete(p.drops, sid)
	p.mu.Unlock()
}
