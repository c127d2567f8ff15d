package signal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrRateLimited  = errors.New("rate limited")
)

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.PingPeriod * 10 / 9
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(sid)
		c.Close()
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(sid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, data []byte) {
	var e protocol.Event
	if err := protocol.DecodeEvent(bytes.NewReader(data), &e); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.Orch.SendError(sid, fmt.Errorf("bad json: %w", err))
		return
	}
	if ctl.Orch.Metrics != nil {
		ctl.Orch.Metrics.Events.WithLabelValues(e.Type).Inc()
	}

	var err error
	switch e.Type {
	case protocol.JoinRoom:
		err = ctl.handleJoin(sid, e)
	case protocol.LeaveRoom:
		err = ctl.handleLeave(sid, e)
	case protocol.BecomeSpeaker:
		err = ctl.handleBecomeSpeaker(sid, e)
	case protocol.MicToggle:
		err = ctl.handleMicToggle(sid, e)
	case protocol.RequestRoster:
		err = ctl.handleRoster(sid, e)
	case protocol.SendMessage:
		err = ctl.handleSend(sid, e)
	case protocol.DeleteMessage:
		err = ctl.handleDelete(sid, e)
	case protocol.RequestHistory:
		err = ctl.handleHistory(sid, e)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, e.Type)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", e.Type).Msg("event rejected")
		ctl.Orch.SendError(sid, err)
	}
}

// decode unmarshals and validates the payload of e.
func decode[T any](e protocol.Event) (T, error) {
	var p T
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if err := protocol.Validate(p); err != nil {
		return p, err
	}
	return p, nil
}
