package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	reasonRefresh    = "credential refresh"
	reasonDisconnect = "client disconnect"
	reasonShutdown   = "client shutdown"

	drainPoll = 10 * time.Millisecond
)

// session is one live socket. The manager replaces it on every reconnect.
type session struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	cfg    Config
	logger zerolog.Logger

	// frames accepted by TrySend and not yet written
	inflight atomic.Int64

	mu     sync.RWMutex
	closed bool
	reason string
}

func newSession(ws *websocket.Conn, cfg Config, logger zerolog.Logger) *session {
	return &session{
		conn:   ws,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

func (s *session) TrySend(e protocol.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.inflight.Add(1)
	select {
	case s.send <- b:
	default:
		s.inflight.Add(-1)
		return ErrBackpressure
	}
	return nil
}

// Close tears the socket down once; the first reason wins.
func (s *session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(s.cfg.WriteWait))
	_ = s.conn.Close()
}

// drain waits until every accepted frame is written or ctx ends.
func (s *session) drain(ctx context.Context) {
	if s.inflight.Load() == 0 {
		return
	}
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for s.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
		}
	}
}

func (s *session) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// run pumps the socket until it fails or is closed and returns the reason.
func (s *session) run(dispatch func(protocol.Event)) string {
	go s.writePump()
	err := s.readPump(dispatch)
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	s.Close(reason)
	return s.Reason()
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error().Err(err).Msg("writePump set deadline")
				s.Close(err.Error())
				return
			}
			err := s.conn.WriteMessage(websocket.TextMessage, data)
			s.inflight.Add(-1)
			if err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				s.Close(err.Error())
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error().Err(err).Msg("writePump ping")
				s.Close(err.Error())
				return
			}
		}
	}
}

func (s *session) readPump(dispatch func(protocol.Event)) error {
	if s.cfg.ReadLimit > 0 {
		s.conn.SetReadLimit(s.cfg.ReadLimit)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Err(err).Msg("readPump expected close")
			} else {
				s.logger.Warn().Err(err).Msg("readPump read error")
			}
			return err
		}
		var e protocol.Event
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Error().Err(err).Msg("bad json")
			continue
		}
		// any inbound traffic proves the peer is alive
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		dispatch(e)
	}
}
