package roomapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dkeye/roomlink/internal/conn"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authLog struct {
	mu   sync.Mutex
	last string
}

func (a *authLog) Last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func newServer(t *testing.T, auth *authLog) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.mu.Lock()
		auth.last = r.Header.Get("Authorization")
		auth.mu.Unlock()
		switch r.URL.Path {
		case "/api/rooms":
			_, _ = w.Write([]byte(`[{"id":"R1","title":"Morning","memberCount":2,"speakerCount":1,"isLive":true}]`))
		case "/api/rooms/R1":
			_ = json.NewEncoder(w).Encode(domain.Room{ID: "R1", Title: "Morning", IsLive: true})
		case "/api/rooms/private":
			w.WriteHeader(http.StatusForbidden)
		case "/api/rooms/broken":
			_, _ = w.Write([]byte("{"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoomSendsBearer(t *testing.T) {
	var auth authLog
	srv := newServer(t, &auth)
	store := conn.NewMemoryTokenStore()
	require.NoError(t, store.Save("tok"))

	room, err := New(srv.URL+"/", store, srv.Client()).Room(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "Morning", room.Title)
	assert.True(t, room.IsLive)
	assert.Equal(t, "Bearer tok", auth.Last())
}

func TestRoomGuestHasNoAuthorization(t *testing.T) {
	var auth authLog
	srv := newServer(t, &auth)

	_, err := New(srv.URL, conn.NewMemoryTokenStore(), nil).Room(context.Background(), "R1")
	require.NoError(t, err)
	assert.Empty(t, auth.Last())
}

func TestRoomErrors(t *testing.T) {
	var auth authLog
	srv := newServer(t, &auth)
	c := New(srv.URL, nil, nil)

	_, err := c.Room(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = c.Room(context.Background(), "private")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Room(context.Background(), "broken")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Room(ctx, "R1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestList(t *testing.T) {
	var auth authLog
	srv := newServer(t, &auth)

	rooms, err := New(srv.URL, nil, nil).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Summary{{ID: "R1", Title: "Morning", MemberCount: 2, SpeakerCount: 1, IsLive: true}}, rooms)
}
