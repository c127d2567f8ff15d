package signal

import (
	"fmt"
	"time"

	"github.com/dkeye/roomlink/internal/app/orch"
	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/protocol"
)

func (ctl *SignalWSController) handleSend(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.SendPayload](e)
	if err != nil {
		return err
	}
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return orch.ErrUnknownSession
	}
	sender := sess.Meta().ID
	if p.UserID != sender {
		return orch.ErrIdentityMismatch
	}
	if ctl.Limiter != nil {
		if ok, wait := ctl.Limiter.Allow(sender); !ok {
			if ctl.Orch.Metrics != nil {
				ctl.Orch.Metrics.RateLimited.Inc()
			}
			return fmt.Errorf("%w, retry in %s", ErrRateLimited, wait.Round(time.Millisecond))
		}
	}
	_, err = ctl.Orch.Send(sid, p)
	return err
}

func (ctl *SignalWSController) handleDelete(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.DeletePayload](e)
	if err != nil {
		return err
	}
	return ctl.Orch.Delete(sid, p)
}

func (ctl *SignalWSController) handleHistory(sid core.SessionID, e protocol.Event) error {
	p, err := decode[protocol.RoomPayload](e)
	if err != nil {
		return err
	}
	return ctl.Orch.History(sid, p.RoomID)
}
