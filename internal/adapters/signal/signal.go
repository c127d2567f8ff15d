// Package signal serves the realtime event socket of the relay.
package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/roomlink/internal/app/orch"
	"github.com/dkeye/roomlink/internal/auth"
	"github.com/dkeye/roomlink/internal/config"
	"github.com/dkeye/roomlink/internal/core"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Secret     []byte
	Limiter    *SendLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, cfg *config.Config) *SignalWSController {
	return &SignalWSController{
		Orch:       o,
		Secret:     []byte(cfg.Secret),
		Limiter:    NewSendLimiter(cfg.SendLimit, cfg.SendWindow),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal authenticates the handshake and upgrades it. A request
// without a bearer token joins as a guest keyed by its client cookie.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	_, span := otel.Tracer("roomlink/signal").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	user, guest, err := ctl.authenticate(c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unauthorized")
		log.Warn().Err(err).Str("module", "signal").Msg("handshake rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	sid := core.SessionID(uuid.NewString())
	span.SetAttributes(
		attribute.String("roomlink.sid", string(sid)),
		attribute.String("roomlink.user", string(user.ID)),
		attribute.Bool("roomlink.guest", guest),
	)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user.ID)).Bool("guest", guest).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, core.NewMemberSession(&user, conn), cancel, guest)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}

func (ctl *SignalWSController) authenticate(c *gin.Context) (domain.User, bool, error) {
	token := bearer(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return domain.NewGuest(c.GetString("client_token")), true, nil
	}
	user, err := auth.Verify(token, ctl.Secret)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, false, nil
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
