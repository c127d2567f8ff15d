package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
)

var ErrMissingMessageID = errors.New("missing message id")

type JoinPayload struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	User   domain.User   `json:"user" validate:"required"`
}

type LeavePayload struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	UserID domain.UserID `json:"userId"`
}

type SpeakerPayload struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	UserID domain.UserID `json:"userId" validate:"required"`
}

type MicPayload struct {
	RoomID  domain.RoomID `json:"roomId" validate:"required"`
	UserID  domain.UserID `json:"userId" validate:"required"`
	MicOpen bool          `json:"micOpen"`
}

type SendPayload struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required"`
	UserID    domain.UserID `json:"userId" validate:"required"`
	Username  string        `json:"username"`
	Avatar    string        `json:"avatar,omitempty"`
	Message   string        `json:"message" validate:"required"`
	Timestamp time.Time     `json:"timestamp"`
	ClientID  string        `json:"clientId,omitempty"`
}

type DeletePayload struct {
	MessageID domain.MessageID `json:"messageId" validate:"required"`
	UserID    domain.UserID    `json:"userId" validate:"required"`
	RoomID    domain.RoomID    `json:"roomId" validate:"required"`
}

type RoomPayload struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
}

type NotificationPayload struct {
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// MessagePayload is the wire shape of a chat message pushed by the server.
type MessagePayload struct {
	ID        domain.MessageID `json:"_id"`
	RoomID    domain.RoomID    `json:"roomId"`
	UserID    domain.UserID    `json:"userId"`
	Username  string           `json:"username,omitempty"`
	Avatar    string           `json:"avatar,omitempty"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Deleted   bool             `json:"deleted,omitempty"`
	ClientID  string           `json:"clientId,omitempty"`
}

// Domain converts the wire message into a confirmed domain message. A message
// without an id stays Pending. The echoed client id lands in LocalID.
func (p MessagePayload) Domain() domain.Message {
	m := domain.Message{
		ID:        p.ID,
		LocalID:   p.ClientID,
		RoomID:    p.RoomID,
		SenderID:  p.UserID,
		Username:  p.Username,
		Avatar:    p.Avatar,
		Text:      p.Message,
		Timestamp: p.Timestamp,
		Deleted:   p.Deleted,
		State:     domain.Pending,
	}
	if p.ID != "" {
		m.State = domain.Confirmed
	}
	return m
}

func FromDomain(m domain.Message) MessagePayload {
	return MessagePayload{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.SenderID,
		Username:  m.Username,
		Avatar:    m.Avatar,
		Message:   m.Text,
		Timestamp: m.Timestamp,
		Deleted:   m.Deleted,
		ClientID:  m.LocalID,
	}
}

// DecodeDeletion normalizes a deletion payload that is either a bare id
// string or a {"messageId": ...} envelope.
func DecodeDeletion(raw json.RawMessage) (domain.MessageID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrMissingMessageID
	}
	var id domain.MessageID
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("decode deletion id: %w", err)
		}
	case '{':
		var env struct {
			MessageID domain.MessageID `json:"messageId"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return "", fmt.Errorf("decode deletion envelope: %w", err)
		}
		id = env.MessageID
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("decode deletion: unexpected payload %q", raw)
		}
		id = domain.MessageID(n.String())
	}
	if id == "" {
		return "", ErrMissingMessageID
	}
	return id, nil
}
