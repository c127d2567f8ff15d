package domain

import "time"

type MessageID string

// MessageState tags a message as an optimistic local echo or a server-confirmed entry.
type MessageState int

const (
	Pending MessageState = iota
	Confirmed
)

func (s MessageState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is one chat entry of a room. A Pending message only has a LocalID and
// is not durable; a Confirmed one carries the server-assigned ID.
type Message struct {
	ID        MessageID
	LocalID   string
	RoomID    RoomID
	SenderID  UserID
	Username  string
	Avatar    string
	Text      string
	Timestamp time.Time
	Deleted   bool
	State     MessageState
}

// Key identifies the message within its room sequence.
func (m *Message) Key() string {
	if m.State == Confirmed {
		return "id:" + string(m.ID)
	}
	return "local:" + m.LocalID
}

func (m *Message) Durable() bool {
	return m.State == Confirmed && m.ID != ""
}

// Confirm resolves a pending entry with the authoritative server copy.
func (m *Message) Confirm(server Message) {
	local := m.LocalID
	*m = server
	m.LocalID = local
	m.State = Confirmed
}
