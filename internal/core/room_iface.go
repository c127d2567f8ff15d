package core

import (
	"errors"

	"github.com/dkeye/roomlink/internal/domain"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotOwner        = errors.New("only the sender may delete a message")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

type RoomInfo struct {
	ID           domain.RoomID `json:"id"`
	Title        string        `json:"title"`
	MemberCount  int           `json:"memberCount"`
	SpeakerCount int           `json:"speakerCount"`
	IsLive       bool          `json:"isLive"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set and the history but never touches transport
// resources.
type RoomService interface {
	Room() domain.Room
	Info() RoomInfo
	MemberCount() int

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID) (domain.UserID, bool)
	Subscribers() []domain.UserID

	Listeners() []domain.Member
	Speakers() []domain.Speaker
	Promote(uid domain.UserID) bool
	SetMic(uid domain.UserID, open bool) bool

	AppendMessage(m domain.Message)
	DeleteMessage(id domain.MessageID, by domain.UserID) (domain.Message, error)
	History() []domain.Message

	// Broadcast fans data out to every member but from. An empty from
	// includes everyone.
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomManager interface {
	Create(meta domain.Room) RoomService
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
