package orch

import (
	"bytes"
	"context"
	"errors"

	"github.com/dkeye/roomlink/internal/app"
	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInRoom        = errors.New("not in room")
	ErrNotSpeaker       = errors.New("not a speaker")
	ErrIdentityMismatch = errors.New("payload user does not match session")
	ErrUnknownSession   = errors.New("unknown session")
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Unread   *app.UnreadBook
	Metrics  *metrics.Relay
}

// Connect registers a fresh signal session and sends the user its unread
// counters.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc, guest bool) {
	if guest {
		o.Registry.BindGuest(sid, sess, cancel)
	} else {
		o.Registry.BindSignal(sid, sess, cancel)
	}
	if o.Metrics != nil {
		o.Metrics.ActiveConnections.Inc()
	}
	if o.Unread == nil {
		return
	}
	if counts := o.Unread.Snapshot(sess.Meta().ID); len(counts) > 0 {
		o.send(sess, protocol.UnreadSnapshot, counts)
	}
}

// OnDisconnect drops the session from its room and the registry.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	if _, ok := o.Registry.GetSession(sid); !ok {
		return
	}
	o.cleanupMembership(sid)
	o.Registry.Unbind(sid)
	if o.Policy != nil {
		o.Policy.Forget(sid)
	}
	if o.Metrics != nil {
		o.Metrics.ActiveConnections.Dec()
	}
}

// SendError replies with an error event.
func (o *Orchestrator) SendError(sid core.SessionID, err error) {
	if sess, ok := o.Registry.GetSession(sid); ok {
		o.send(sess, protocol.Error, protocol.ErrorPayload{Error: err.Error()})
	}
}

func (o *Orchestrator) send(sess core.MemberSession, eventType string, payload any) {
	frame, err := encode(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("type", eventType).Msg("encode event")
		return
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("type", eventType).Str("user", string(sess.Meta().ID)).Msg("send dropped")
	}
}

// publish fans an event out to a room and applies the backpressure policy to
// members that could not keep up.
func (o *Orchestrator) publish(room core.RoomService, from core.SessionID, eventType string, payload any) {
	frame, err := encode(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("type", eventType).Msg("encode event")
		return
	}
	res := room.Broadcast(from, frame)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(slow) {
		case app.KickMember:
			o.KickBySID(slow)
		case app.DropFrame:
			log.Debug().Str("module", "app.orch").Str("sid", string(slow)).Str("room_id", string(room.Room().ID)).Str("type", eventType).Msg("frame dropped for slow member")
		}
	}
}

func encode(eventType string, payload any) (core.Frame, error) {
	e, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := protocol.EncodeEvent(&buf, &e); err != nil {
		return nil, err
	}
	return core.Frame(buf.Bytes()), nil
}
