// Package client is the application root of the room client. It constructs
// the connection manager and every controller and drives them through the
// navigation lifecycle: enter, minimize, leave, resume and unload.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dkeye/roomlink/internal/config"
	"github.com/dkeye/roomlink/internal/conn"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/membership"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/presence"
	"github.com/dkeye/roomlink/internal/roomapi"
	"github.com/dkeye/roomlink/internal/stream"
	"github.com/dkeye/roomlink/internal/unread"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var (
	ErrNoActiveRoom = errors.New("no active room")
	ErrInvalidRoom  = errors.New("room id required")
)

type options struct {
	registerer prometheus.Registerer
	store      conn.TokenStore
	fs         afero.Fs
	httpClient *http.Client
	dialer     conn.Dialer
}

type Option func(*options)

// WithRegisterer registers the client metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTokenStore overrides the store derived from the token_file setting.
func WithTokenStore(s conn.TokenStore) Option {
	return func(o *options) { o.store = s }
}

// WithFs sets the filesystem of the file token store.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

func WithDialer(d conn.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

type Client struct {
	logger  zerolog.Logger
	metrics *metrics.Client
	tokens  conn.TokenStore

	Conn       *conn.Manager
	Rooms      *roomapi.Client
	Membership *membership.Controller
	Stream     *stream.Controller
	Presence   *presence.Coordinator
	Unread     *unread.Counters

	mu           sync.Mutex
	active       domain.RoomID
	user         domain.User
	room         domain.Room
	minimized    bool
	detachRoster func()
	detachStream func()

	offState  func()
	offUnread func()
	fetches   sync.WaitGroup
}

func New(cfg config.Client, opts ...Option) *Client {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		if cfg.TokenFile != "" {
			o.store = conn.NewFileTokenStore(o.fs, cfg.TokenFile)
		} else {
			o.store = conn.NewMemoryTokenStore()
		}
	}

	mc := metrics.NewClient(o.registerer)
	connOpts := []conn.Option{conn.WithMetrics(mc)}
	if o.dialer != nil {
		connOpts = append(connOpts, conn.WithDialer(o.dialer))
	}
	mgr := conn.NewManager(conn.Config{
		URL:                  cfg.ServerURL,
		ReconnectMin:         cfg.ReconnectMin,
		ReconnectMax:         cfg.ReconnectMax,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		OutboxSize:           cfg.OutboxSize,
	}, o.store, connOpts...)

	c := &Client{
		logger:     log.With().Str("module", "client").Logger(),
		metrics:    mc,
		tokens:     o.store,
		Conn:       mgr,
		Rooms:      roomapi.New(cfg.APIURL, o.store, o.httpClient),
		Membership: membership.New(mgr),
		Stream:     stream.New(mgr, stream.WithScope(cfg.ScopeMessages), stream.WithMetrics(mc)),
		Presence:   presence.New(),
		Unread:     unread.New(),
	}
	c.offState = mgr.OnState(c.onState)
	c.offUnread = c.Unread.Attach(mgr, c.isOpen)
	return c
}

// Login connects with token. An already connected client renegotiates.
func (c *Client) Login(ctx context.Context, token string) {
	c.Conn.Connect(ctx, token)
}

// Logout leaves the active room and forgets the credential, the minimized
// room and the unread counters of the account.
func (c *Client) Logout() {
	if err := c.LeaveRoom(); err != nil && !errors.Is(err, ErrNoActiveRoom) {
		c.logger.Warn().Err(err).Msg("leave on logout")
	}
	c.Conn.Disconnect()
	c.Presence.Reset()
	c.Unread.Clear()
}

// EnterRoom opens the view of roomID. A different active room is left first.
// Returning to the minimized room keeps membership and mic state.
func (c *Client) EnterRoom(ctx context.Context, roomID domain.RoomID, user domain.User) (presence.Restore, error) {
	if strings.TrimSpace(string(roomID)) == "" {
		return presence.Restore{}, ErrInvalidRoom
	}
	if err := user.Validate(); err != nil {
		return presence.Restore{}, fmt.Errorf("%w: %v", membership.ErrInvalidUser, err)
	}

	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != "" && prev != roomID {
		if err := c.LeaveRoom(); err != nil && !errors.Is(err, ErrNoActiveRoom) {
			return presence.Restore{}, fmt.Errorf("leave %s: %w", prev, err)
		}
	}

	s, inRoom := c.Membership.Session()
	returning := inRoom && s.RoomID == roomID
	restore := c.Presence.Enter(roomID, returning && s.MicOpen)
	logger := c.logger.With().Str("room_id", string(roomID)).Logger()

	if returning && !restore.FirstJoin {
		c.mu.Lock()
		c.minimized = false
		if c.detachStream == nil {
			c.detachStream = c.Stream.Attach()
		}
		c.mu.Unlock()
		c.Unread.Reset(string(roomID))
		if err := c.Stream.Bootstrap(roomID); err != nil {
			return restore, err
		}
		logger.Info().Bool("mic", restore.MicOn).Msg("room restored")
		return restore, nil
	}

	c.mu.Lock()
	c.active = roomID
	c.user = user
	c.room = domain.Room{ID: roomID}
	c.minimized = false
	if c.detachRoster == nil {
		c.detachRoster = c.Membership.Attach()
	}
	if c.detachStream == nil {
		c.detachStream = c.Stream.Attach()
	}
	c.mu.Unlock()

	if err := c.Membership.Join(roomID, user); err != nil {
		c.abandon(roomID)
		return restore, err
	}
	if err := c.Stream.Bootstrap(roomID); err != nil {
		return restore, err
	}
	c.Presence.MarkJoined(roomID)
	c.Unread.Reset(string(roomID))
	c.fetchRoom(ctx, roomID)

	logger.Info().Bool("first_join", restore.FirstJoin).Msg("room entered")
	return restore, nil
}

// fetchRoom loads metadata in the background. The result is dropped when the
// user already navigated to another room.
func (c *Client) fetchRoom(ctx context.Context, roomID domain.RoomID) {
	c.fetches.Add(1)
	go func() {
		defer c.fetches.Done()
		room, err := c.Rooms.Room(ctx, roomID)
		if err != nil {
			c.logger.Warn().Err(err).Str("room_id", string(roomID)).Msg("room metadata")
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active != roomID {
			c.metrics.StaleDiscarded.WithLabelValues("room").Inc()
			c.logger.Debug().Str("room_id", string(roomID)).Str("active", string(c.active)).Msg("stale room metadata discarded")
			return
		}
		c.room = room
	}()
}

// Minimize navigates away from the active room without leaving it. The
// message view is detached; rosters keep updating. The snapshot records the
// mic state of the membership session.
func (c *Client) Minimize() (presence.Snapshot, error) {
	c.mu.Lock()
	if c.active == "" {
		c.mu.Unlock()
		return presence.Snapshot{}, ErrNoActiveRoom
	}
	room := c.room
	c.minimized = true
	detach := c.detachStream
	c.detachStream = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	c.Stream.DropRequests()
	s, _ := c.Membership.Session()
	return c.Presence.Minimize(room, s.MicOpen), nil
}

// LeaveRoom is the explicit leave of the active room.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	roomID, user := c.active, c.user
	c.mu.Unlock()
	if roomID == "" {
		return ErrNoActiveRoom
	}

	err := c.Membership.Leave(roomID, user.ID)
	if errors.Is(err, membership.ErrNotInRoom) {
		err = nil
	}
	c.abandon(roomID)
	c.Presence.Forget(roomID)
	c.logger.Info().Str("room_id", string(roomID)).Msg("room left")
	return err
}

// abandon detaches every listener of roomID and drops its local state.
func (c *Client) abandon(roomID domain.RoomID) {
	c.mu.Lock()
	if c.active != roomID {
		c.mu.Unlock()
		return
	}
	detachRoster, detachStream := c.detachRoster, c.detachStream
	c.detachRoster, c.detachStream = nil, nil
	c.active = ""
	c.room = domain.Room{}
	c.minimized = false
	c.mu.Unlock()

	if detachRoster != nil {
		detachRoster()
	}
	if detachStream != nil {
		detachStream()
	}
	c.Stream.Reset()
}

// Resume runs when the view becomes visible again. Roster pushes missed in
// the background are recovered from a fresh snapshot.
func (c *Client) Resume() error {
	if err := c.Membership.RequestRosterSnapshot(); err != nil {
		if errors.Is(err, membership.ErrNotInRoom) {
			return ErrNoActiveRoom
		}
		return err
	}
	return nil
}

// Unload is the process termination path. The leave is best effort; the
// stored credential survives for the next start.
func (c *Client) Unload(ctx context.Context) {
	if err := c.Membership.LeaveOnUnload(); err != nil {
		c.logger.Warn().Err(err).Msg("leave on unload")
	}
	c.Conn.Shutdown(ctx)
	c.Close()
}

// Close detaches the client from the connection and waits for background
// metadata fetches.
func (c *Client) Close() {
	c.mu.Lock()
	detachRoster, detachStream := c.detachRoster, c.detachStream
	c.detachRoster, c.detachStream = nil, nil
	offState, offUnread := c.offState, c.offUnread
	c.offState, c.offUnread = nil, nil
	c.mu.Unlock()
	for _, f := range []func(){detachRoster, detachStream, offState, offUnread} {
		if f != nil {
			f()
		}
	}
	c.fetches.Wait()
}

// ActiveRoom returns the metadata of the room the user is in.
func (c *Client) ActiveRoom() (domain.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.active != ""
}

func (c *Client) Minimized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minimized
}

func (c *Client) User() domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Send posts text to the active room.
func (c *Client) Send(text string) (domain.Message, error) {
	c.mu.Lock()
	roomID, user := c.active, c.user
	c.mu.Unlock()
	if roomID == "" {
		return domain.Message{}, ErrNoActiveRoom
	}
	return c.Stream.Send(roomID, user, text)
}

// Delete asks the server to remove a message of the active room.
func (c *Client) Delete(id domain.MessageID) error {
	c.mu.Lock()
	roomID, user := c.active, c.user
	c.mu.Unlock()
	if roomID == "" {
		return ErrNoActiveRoom
	}
	return c.Stream.Delete(roomID, id, user.ID)
}

func (c *Client) BecomeSpeaker(micOn bool) error {
	c.mu.Lock()
	roomID, user := c.active, c.user
	c.mu.Unlock()
	if roomID == "" {
		return ErrNoActiveRoom
	}
	return c.Membership.BecomeSpeaker(roomID, user, micOn)
}

func (c *Client) ToggleMic(open bool) error {
	c.mu.Lock()
	roomID, user := c.active, c.user
	c.mu.Unlock()
	if roomID == "" {
		return ErrNoActiveRoom
	}
	return c.Membership.ToggleMic(roomID, user.ID, open)
}

// onState re-announces the active room on every fresh socket. History
// requests of a lost socket are forgotten.
func (c *Client) onState(ch conn.StateChange) {
	if ch.Kind == conn.KindDisconnected {
		c.Stream.DropRequests()
		return
	}
	if ch.Kind != conn.KindConnected || !ch.Reconnect {
		return
	}
	c.mu.Lock()
	roomID, minimized := c.active, c.minimized
	c.mu.Unlock()
	if roomID == "" {
		return
	}
	logger := c.logger.With().Str("room_id", string(roomID)).Logger()
	if err := c.Membership.Rejoin(); err != nil {
		logger.Warn().Err(err).Msg("rejoin after reconnect")
		return
	}
	if minimized {
		return
	}
	if err := c.Stream.Bootstrap(roomID); err != nil {
		logger.Warn().Err(err).Msg("history after reconnect")
	}
}

// isOpen reports whether conversation id is the room currently on screen.
func (c *Client) isOpen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != "" && !c.minimized && string(c.active) == id
}
