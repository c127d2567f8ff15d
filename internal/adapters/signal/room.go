package signal

import (
	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.JoinPayload](e)
	if err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(p.RoomID)).Msg("join")
	return ctl.Orch.Join(sid, p.RoomID, p.User)
}

// handleLeave exits the room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.LeavePayload](e)
	if err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(p.RoomID)).Msg("leave")
	ctl.Orch.Leave(sid, p.RoomID)
	return nil
}

func (ctl *SignalWSController) handleBecomeSpeaker(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.SpeakerPayload](e)
	if err != nil {
		return err
	}
	return ctl.Orch.BecomeSpeaker(sid, p.RoomID)
}

func (ctl *SignalWSController) handleMicToggle(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.MicPayload](e)
	if err != nil {
		return err
	}
	return ctl.Orch.ToggleMic(sid, p.RoomID, p.MicOpen)
}

func (ctl *SignalWSController) handleRoster(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.RoomPayload](e)
	if err != nil {
		return err
	}
	return ctl.Orch.Roster(sid, p.RoomID)
}
