// Package conn owns the single realtime socket of a client session: the
// bearer-token handshake, reconnects with backoff, the deferred outbox and the
// fan-out of inbound events to subscribed handlers.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("not connected")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

type ChangeKind int

const (
	KindConnected ChangeKind = iota
	KindDisconnected
	KindConnectError
	KindReconnectFailed
)

func (k ChangeKind) String() string {
	switch k {
	case KindConnected:
		return "connect"
	case KindDisconnected:
		return "disconnect"
	case KindConnectError:
		return "connect_error"
	case KindReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// StateChange is reported to observers. It carries no business logic.
type StateChange struct {
	Kind   ChangeKind
	State  State
	Reason string
	Err    error
	// Reconnect is set on KindConnected when an earlier socket of the same
	// dial loop was lost.
	Reconnect bool
}

type Config struct {
	URL                  string
	WriteWait            time.Duration
	PongWait             time.Duration
	PingPeriod           time.Duration
	ReadLimit            int64
	ReconnectMin         time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	OutboxSize           int
	SendBuffer           int
}

var DefaultConfig = Config{
	WriteWait:    10 * time.Second,
	PongWait:     60 * time.Second,
	PingPeriod:   54 * time.Second,
	ReadLimit:    32768,
	ReconnectMin: time.Second,
	ReconnectMax: 30 * time.Second,
	OutboxSize:   64,
	SendBuffer:   32,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(d.ReconnectMax, c.ReconnectMin)
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.SendBuffer < c.OutboxSize {
		c.SendBuffer = c.OutboxSize
	}
	return c
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithMetrics(mc *metrics.Client) Option {
	return func(m *Manager) { m.metrics = mc }
}

type dialRun struct {
	cancel context.CancelFunc
	kick   chan struct{}
}

type Manager struct {
	cfg     Config
	store   TokenStore
	dialer  Dialer
	metrics *metrics.Client
	logger  zerolog.Logger

	mu     sync.Mutex
	state  State
	run    *dialRun
	sess   *session
	outbox []protocol.Event

	subMu     sync.RWMutex
	nextSubID uint64
	handlers  map[string]map[uint64]protocol.Handler
	observers map[uint64]func(StateChange)
}

func NewManager(cfg Config, store TokenStore, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	m := &Manager{
		cfg:   cfg.withDefaults(),
		store: store,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:    log.With().Str("module", "conn").Logger(),
		handlers:  make(map[string]map[uint64]protocol.Handler),
		observers: make(map[uint64]func(StateChange)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewClient(nil)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect persists token (when non-empty) as the handshake credential and
// starts connecting. A live socket is torn down and redialed so the server
// sees the new credential; while a dial is in flight only the credential is
// refreshed and the next attempt picks it up.
func (m *Manager) Connect(ctx context.Context, token string) {
	if token != "" {
		if err := m.store.Save(token); err != nil {
			m.logger.Error().Err(err).Msg("persist token")
		}
	}

	m.mu.Lock()
	switch m.state {
	case Connecting:
		run := m.run
		m.mu.Unlock()
		m.logger.Debug().Msg("credential refreshed while connecting")
		if run != nil {
			select {
			case run.kick <- struct{}{}:
			default:
			}
		}
		return
	case Connected:
		s := m.sess
		m.sess = nil
		m.setState(Connecting)
		m.mu.Unlock()
		m.logger.Info().Msg("renegotiating handshake")
		if s != nil {
			s.Close(reasonRefresh)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &dialRun{cancel: cancel, kick: make(chan struct{}, 1)}
	m.run = run
	m.setState(Connecting)
	m.mu.Unlock()

	m.logger.Info().Str("url", m.cfg.URL).Msg("connecting")
	go m.loop(runCtx, run)
}

// Disconnect clears the credential and closes the socket after pending writes
// went out. It is safe to call at any time, including from an event handler.
func (m *Manager) Disconnect() {
	if err := m.store.Clear(); err != nil {
		m.logger.Error().Err(err).Msg("clear token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteWait)
	defer cancel()
	m.stop(ctx, reasonDisconnect)
}

// Shutdown closes the socket like Disconnect but keeps the stored credential
// for the next process. Writes already handed to the socket get until ctx is
// done to go out.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stop(ctx, reasonShutdown)
}

func (m *Manager) stop(ctx context.Context, reason string) {
	m.mu.Lock()
	run, s, prev := m.run, m.sess, m.state
	m.run, m.sess, m.outbox = nil, nil, nil
	m.setState(Disconnected)
	m.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	if s != nil {
		s.drain(ctx)
		s.Close(reason)
	}
	if prev != Disconnected {
		m.logger.Info().Str("reason", reason).Msg("disconnected by client")
		m.notify(StateChange{Kind: KindDisconnected, State: Disconnected, Reason: reason})
	}
}

// Emit sends an event, deferring it to the next successful connection when
// the socket is not up.
func (m *Manager) Emit(eventType string, payload any) error {
	e, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Connected && m.sess != nil {
		err := m.sess.TrySend(e)
		if !errors.Is(err, ErrClosed) {
			return err
		}
	}
	m.enqueue(e)
	return nil
}

// EmitNow sends an event only if the socket is up.
func (m *Manager) EmitNow(eventType string, payload any) error {
	e, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.sess == nil {
		return ErrNotConnected
	}
	return m.sess.TrySend(e)
}

// CancelQueued drops deferred events matching pred and reports how many were removed.
func (m *Manager) CancelQueued(pred func(protocol.Event) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.outbox[:0]
	n := 0
	for _, e := range m.outbox {
		if pred(e) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.outbox = kept
	return n
}

// Queued returns the number of deferred events.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox)
}

// On registers h for inbound events of eventType. Handlers run sequentially on
// the read goroutine in arrival order. The returned func detaches h.
func (m *Manager) On(eventType string, h protocol.Handler) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	if m.handlers[eventType] == nil {
		m.handlers[eventType] = make(map[uint64]protocol.Handler)
	}
	m.handlers[eventType][id] = h
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.handlers[eventType], id)
		if len(m.handlers[eventType]) == 0 {
			delete(m.handlers, eventType)
		}
	}
}

// OnState registers an observer of connection lifecycle changes.
func (m *Manager) OnState(f func(StateChange)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.observers[id] = f
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) dispatch(e protocol.Event) {
	m.metrics.EventsReceived.WithLabelValues(e.Type).Inc()
	m.subMu.RLock()
	hs := make([]protocol.Handler, 0, len(m.handlers[e.Type]))
	for _, h := range m.handlers[e.Type] {
		hs = append(hs, h)
	}
	m.subMu.RUnlock()

	if len(hs) == 0 {
		m.logger.Debug().Str("type", e.Type).Msg("no handler")
		return
	}
	for _, h := range hs {
		h(e)
	}
}

func (m *Manager) notify(c StateChange) {
	m.subMu.RLock()
	obs := make([]func(StateChange), 0, len(m.observers))
	for _, f := range m.observers {
		obs = append(obs, f)
	}
	m.subMu.RUnlock()
	for _, f := range obs {
		f(c)
	}
}

// enqueue must be called with m.mu held.
func (m *Manager) enqueue(e protocol.Event) {
	if len(m.outbox) >= m.cfg.OutboxSize {
		dropped := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.metrics.OutboxDropped.Inc()
		m.logger.Warn().Str("type", dropped.Type).Msg("outbox full, dropping oldest event")
	}
	m.outbox = append(m.outbox, e)
	m.metrics.EventsQueued.Inc()
}

// setState must be called with m.mu held.
func (m *Manager) setState(s State) {
	m.state = s
	m.metrics.ConnState.Set(float64(s))
}

func (m *Manager) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.ReconnectMin
	eb.MaxInterval = m.cfg.ReconnectMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	if m.cfg.MaxReconnectAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(m.cfg.MaxReconnectAttempts))
	}
	return eb
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.store.Load()
	if err != nil {
		m.logger.Warn().Err(err).Msg("load token, dialing without credential")
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", m.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	return ws, nil
}

// loop dials, serves one socket at a time and redials until the run is
// cancelled or the retry budget is exhausted.
func (m *Manager) loop(ctx context.Context, run *dialRun) {
	defer m.finish(ctx, run)

	b := m.newBackoff()
	lost := false
	for {
		if ctx.Err() != nil {
			return
		}
		ws, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.ConnectErrors.Inc()
			m.logger.Warn().Err(err).Msg("connect error")
			m.notify(StateChange{Kind: KindConnectError, State: Connecting, Err: err})
			if !m.wait(ctx, run, b) {
				return
			}
			continue
		}

		s := newSession(ws, m.cfg, m.logger)
		m.mu.Lock()
		if ctx.Err() != nil || m.run != run {
			m.mu.Unlock()
			s.Close(reasonDisconnect)
			return
		}
		m.sess = s
		m.setState(Connected)
		queued := m.outbox
		m.outbox = nil
		for _, e := range queued {
			if err := s.TrySend(e); err != nil {
				m.logger.Error().Err(err).Str("type", e.Type).Msg("flush queued event")
			}
		}
		m.mu.Unlock()

		b.Reset()
		if lost {
			m.metrics.Reconnects.Inc()
		}
		m.logger.Info().Bool("reconnect", lost).Int("flushed", len(queued)).Msg("connected")
		m.notify(StateChange{Kind: KindConnected, State: Connected, Reconnect: lost})

		reason := s.run(m.dispatch)

		m.mu.Lock()
		if m.sess == s {
			m.sess = nil
			m.setState(Connecting)
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		lost = true
		m.logger.Warn().Str("reason", reason).Msg("connection lost")
		m.notify(StateChange{Kind: KindDisconnected, State: Connecting, Reason: reason})

		if reason == reasonRefresh {
			continue
		}
		if !m.wait(ctx, run, b) {
			return
		}
	}
}

// wait sleeps for the next backoff interval. It returns false when the loop
// must stop.
func (m *Manager) wait(ctx context.Context, run *dialRun, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		m.mu.Lock()
		owned := m.run == run
		if owned {
			m.run = nil
			m.setState(Disconnected)
		}
		m.mu.Unlock()
		run.cancel()
		if owned {
			m.logger.Error().Msg("reconnect attempts exhausted")
			m.notify(StateChange{Kind: KindReconnectFailed, State: Disconnected, Reason: "reconnect attempts exhausted"})
		}
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-run.kick:
		b.Reset()
		return true
	case <-t.C:
		return true
	}
}

// finish releases the run when its context ended without Disconnect.
func (m *Manager) finish(ctx context.Context, run *dialRun) {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return
	}
	s := m.sess
	m.run, m.sess = nil, nil
	m.setState(Disconnected)
	m.mu.Unlock()
	run.cancel()

	if s != nil {
		s.Close(reasonDisconnect)
	}
	reason := "dial loop stopped"
	if err := ctx.Err(); err != nil {
		reason = err.Error()
	}
	m.notify(StateChange{Kind: KindDisconnected, State: Disconnected, Reason: reason})
}
