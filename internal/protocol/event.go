// Package protocol defines the realtime event contract spoken between the
// room client and the signal server.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Outbound event types.
const (
	JoinRoom       = "join_room"
	LeaveRoom      = "leave_room"
	BecomeSpeaker  = "become_speaker"
	MicToggle      = "mic_toggle"
	SendMessage    = "send_message"
	DeleteMessage  = "delete_message"
	RequestHistory = "request_history"
	RequestRoster  = "request_roster"
)

// Inbound event types.
const (
	Listeners      = "listeners"
	Speakers       = "speakers"
	History        = "history"
	NewMessage     = "new_message"
	MessageDeleted = "message_deleted"
	Notification   = "notification"
	UnreadSnapshot = "unread_snapshot"
	Error          = "error"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into an event of type t.
func NewEvent(t string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: t}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// Handler consumes one inbound event.
type Handler func(Event)
