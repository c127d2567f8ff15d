package core

import "github.com/dkeye/roomlink/internal/domain"

// Frame is one encoded protocol event ready for the wire.
type Frame []byte

type SessionID string

// SignalConnection is the outbound side of a member's websocket. The signal
// adapter owns it and closes it.
type SignalConnection interface {
	// TrySend queues f without blocking and fails when the queue is full.
	TrySend(f Frame) error
	Close()
}

// MemberSession is what a room fans events out to: who the member is and
// where their frames go.
type MemberSession interface {
	Meta() *domain.User
	Signal() SignalConnection
}

type memberSession struct {
	user *domain.User
	out  SignalConnection
}

func NewMemberSession(user *domain.User, out SignalConnection) MemberSession {
	return memberSession{user: user, out: out}
}

func (m memberSession) Meta() *domain.User       { return m.user }
func (m memberSession) Signal() SignalConnection { return m.out }
