package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/roomlink/internal/app"
	"github.com/dkeye/roomlink/internal/app/orch"
	"github.com/dkeye/roomlink/internal/auth"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newRelay(t *testing.T, sendLimit int) (string, *SignalWSController) {
	t.Helper()
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(50),
		Policy:   app.NewDropPolicy(0),
		Unread:   app.NewUnreadBook(),
		Metrics:  metrics.NewRelay(nil),
	}
	ctl := &SignalWSController{
		Orch:       o,
		Secret:     secret,
		Limiter:    NewSendLimiter(sendLimit, time.Minute),
		ReadLimit:  4096,
		PingPeriod: time.Second,
	}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", ctl
}

func dial(t *testing.T, url string, user *domain.User) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if user != nil {
		token, _, err := auth.Issue(*user, time.Hour, secret)
		require.NoError(t, err)
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, eventType string, payload any) {
	t.Helper()
	e, err := protocol.NewEvent(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(e))
}

// next reads until an event of eventType arrives.
func next(t *testing.T, ws *websocket.Conn, eventType string) protocol.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var e protocol.Event
		require.NoError(t, ws.ReadJSON(&e))
		if e.Type == eventType {
			return e
		}
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	url, _ := newRelay(t, 5)
	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-jwt")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinAndSendRoundTrip(t *testing.T) {
	url, ctl := newRelay(t, 5)
	alice := domain.User{ID: "u1", Username: "alice"}
	ws := dial(t, url, &alice)

	emit(t, ws, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: alice})
	var members []domain.Member
	require.NoError(t, next(t, ws, protocol.Listeners).Decode(&members))
	assert.Equal(t, []domain.Member{{ID: "u1", Username: "alice"}}, members)

	emit(t, ws, protocol.SendMessage, protocol.SendPayload{RoomID: "R1", UserID: "u1", Message: "hi", ClientID: "c1"})
	var msg protocol.MessagePayload
	require.NoError(t, next(t, ws, protocol.NewMessage).Decode(&msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "c1", msg.ClientID)
	assert.Equal(t, "hi", msg.Message)

	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.Orch.Metrics.Events.WithLabelValues(protocol.SendMessage)))
}

func TestGuestTakesAnnouncedIdentity(t *testing.T) {
	url, _ := newRelay(t, 5)
	ws := dial(t, url, nil)

	announced := domain.User{ID: "anon-7", Username: "visitor"}
	emit(t, ws, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: announced})
	var members []domain.Member
	require.NoError(t, next(t, ws, protocol.Listeners).Decode(&members))
	assert.Equal(t, []domain.Member{{ID: "anon-7", Username: "visitor"}}, members)
}

func TestAuthenticatedJoinCannotImpersonate(t *testing.T) {
	url, _ := newRelay(t, 5)
	alice := domain.User{ID: "u1", Username: "alice"}
	ws := dial(t, url, &alice)

	emit(t, ws, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: domain.User{ID: "u2"}})
	var p protocol.ErrorPayload
	require.NoError(t, next(t, ws, protocol.Error).Decode(&p))
	assert.Equal(t, orch.ErrIdentityMismatch.Error(), p.Error)
}

func TestRejectedEventsReplyWithError(t *testing.T) {
	url, _ := newRelay(t, 5)
	alice := domain.User{ID: "u1", Username: "alice"}
	ws := dial(t, url, &alice)

	for name, send := range map[string]func(){
		"unknown": func() { emit(t, ws, "dance", nil) },
		"invalid": func() { emit(t, ws, protocol.JoinRoom, protocol.JoinPayload{User: alice}) },
		"no room": func() { emit(t, ws, protocol.RequestHistory, protocol.RoomPayload{RoomID: "R1"}) },
		"bad json": func() {
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
		},
	} {
		t.Run(name, func(t *testing.T) {
			send()
			var p protocol.ErrorPayload
			require.NoError(t, next(t, ws, protocol.Error).Decode(&p))
			assert.NotEmpty(t, p.Error)
		})
	}
}

func TestSendIsRateLimited(t *testing.T) {
	url, ctl := newRelay(t, 2)
	alice := domain.User{ID: "u1", Username: "alice"}
	ws := dial(t, url, &alice)
	emit(t, ws, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: alice})
	next(t, ws, protocol.Listeners)

	for i := 0; i < 3; i++ {
		emit(t, ws, protocol.SendMessage, protocol.SendPayload{RoomID: "R1", UserID: "u1", Message: "spam"})
	}
	var p protocol.ErrorPayload
	require.NoError(t, next(t, ws, protocol.Error).Decode(&p))
	assert.Contains(t, p.Error, ErrRateLimited.Error())
	assert.Equal(t, 1.0, testutil.ToFloat64(ctl.Orch.Metrics.RateLimited))
}

func TestSpoofedSendsDoNotSpendAnotherUsersWindow(t *testing.T) {
	url, ctl := newRelay(t, 2)
	alice := domain.User{ID: "u1", Username: "alice"}
	bob := domain.User{ID: "u2", Username: "bob"}
	wsA := dial(t, url, &alice)
	wsB := dial(t, url, &bob)
	emit(t, wsA, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: alice})
	next(t, wsA, protocol.Listeners)
	emit(t, wsB, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: bob})
	next(t, wsB, protocol.Listeners)

	for i := 0; i < 2; i++ {
		emit(t, wsA, protocol.SendMessage, protocol.SendPayload{RoomID: "R1", UserID: "u2", Message: "spoof"})
		var p protocol.ErrorPayload
		require.NoError(t, next(t, wsA, protocol.Error).Decode(&p))
		assert.Equal(t, orch.ErrIdentityMismatch.Error(), p.Error)
	}

	emit(t, wsB, protocol.SendMessage, protocol.SendPayload{RoomID: "R1", UserID: "u2", Message: "mine"})
	var msg protocol.MessagePayload
	require.NoError(t, next(t, wsB, protocol.NewMessage).Decode(&msg))
	assert.Equal(t, "mine", msg.Message)
	assert.Equal(t, domain.UserID("u2"), msg.UserID)
	assert.Zero(t, testutil.ToFloat64(ctl.Orch.Metrics.RateLimited))
}

func TestDisconnectLeavesRoom(t *testing.T) {
	url, ctl := newRelay(t, 5)
	alice := domain.User{ID: "u1", Username: "alice"}
	bob := domain.User{ID: "u2", Username: "bob"}
	wa := dial(t, url, &alice)
	wb := dial(t, url, &bob)

	emit(t, wa, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: alice})
	next(t, wa, protocol.Listeners)
	emit(t, wb, protocol.JoinRoom, protocol.JoinPayload{RoomID: "R1", User: bob})
	next(t, wb, protocol.Listeners)

	require.NoError(t, wb.Close())
	assert.Eventually(t, func() bool {
		room, ok := ctl.Orch.Rooms.Get("R1")
		return ok && room.MemberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return ctl.Orch.Registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendLimiterWindow(t *testing.T) {
	l := NewSendLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("u1")
	assert.True(t, ok)
	now = now.Add(200 * time.Millisecond)
	ok, _ = l.Allow("u1")
	assert.True(t, ok)

	ok, wait := l.Allow("u1")
	assert.False(t, ok)
	assert.Equal(t, 800*time.Millisecond, wait)
	ok, _ = l.Allow("u2")
	assert.True(t, ok, "limits are per user")

	now = now.Add(wait + time.Millisecond)
	ok, _ = l.Allow("u1")
	assert.True(t, ok)
	ok, _ = l.Allow("u1")
	assert.False(t, ok)
}

func TestSendLimiterDisabled(t *testing.T) {
	l := NewSendLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("u1")
		require.True(t, ok)
	}
}
