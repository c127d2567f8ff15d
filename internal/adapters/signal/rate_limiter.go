package signal

import (
	"sync"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
)

// SendLimiter caps chat sends per user to limit within a sliding window.
// A non-positive limit disables it.
type SendLimiter struct {
	mu     sync.Mutex
	sent   map[domain.UserID][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSendLimiter(limit int, window time.Duration) *SendLimiter {
	return &SendLimiter{
		sent:   make(map[domain.UserID][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a send by uid. When the window is full nothing is recorded
// and the returned duration says when the oldest send leaves the window.
func (l *SendLimiter) Allow(uid domain.UserID) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(uid, now)
	if len(recent) >= l.limit {
		return false, recent[0].Add(l.window).Sub(now)
	}
	l.sent[uid] = append(recent, now)
	return true, 0
}

// prune must be called with l.mu held.
func (l *SendLimiter) prune(uid domain.UserID, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	times := l.sent[uid]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == len(times) {
		delete(l.sent, uid)
		return nil
	}
	times = times[i:]
	l.sent[uid] = times
	return times
}
