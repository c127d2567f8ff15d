package conn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var baseTimeout = 2 * time.Second

// fakeServer is a websocket endpoint that records handshake credentials and
// every event it receives.
type fakeServer struct {
	*httptest.Server
	t *testing.T

	mu       sync.Mutex
	tokens   []string
	conns    []*websocket.Conn
	received chan protocol.Event
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t, received: make(chan protocol.Event, 128)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.tokens = append(f.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		f.conns = append(f.conns, ws)
		f.mu.Unlock()
		go func() {
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var e protocol.Event
				if err := json.Unmarshal(data, &e); err == nil {
					f.received <- e
				}
			}
		}()
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.URL, "http")
}

func (f *fakeServer) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeServer) handshakes() int {
	return len(f.Tokens())
}

// push writes an event to the most recent connection.
func (f *fakeServer) push(e protocol.Event) {
	f.mu.Lock()
	ws := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	b, err := json.Marshal(e)
	require.NoError(f.t, err)
	require.NoError(f.t, ws.WriteMessage(websocket.TextMessage, b))
}

// drop closes every server-side socket without a close handshake.
func (f *fakeServer) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.conns {
		_ = ws.Close()
	}
}

func (f *fakeServer) next(t *testing.T) protocol.Event {
	select {
	case e := <-f.received:
		return e
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for event at server")
		return protocol.Event{}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		OutboxSize:   8,
	}
}

func newTestManager(t *testing.T, cfg Config, store TokenStore) *Manager {
	m := NewManager(cfg, store)
	t.Cleanup(m.Disconnect)
	return m
}

func waitState(t *testing.T, m *Manager, s State) {
	require.Eventually(t, func() bool { return m.State() == s }, baseTimeout, 5*time.Millisecond,
		"timeout waiting for state %s, have %s", s, m.State())
}
