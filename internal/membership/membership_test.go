package membership

import (
	"testing"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/mocks"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = domain.User{ID: "u1", Username: "alice"}

func newController(t *testing.T, connected bool) (*Controller, *mocks.Transport) {
	t.Helper()
	tr := mocks.NewTransport(connected)
	c := New(tr)
	t.Cleanup(c.Attach())
	return c, tr
}

func TestJoinValidatesInput(t *testing.T) {
	c, tr := newController(t, true)

	assert.ErrorIs(t, c.Join("", alice), ErrInvalidRoom)
	assert.ErrorIs(t, c.Join("r1", domain.User{Username: "nobody"}), ErrInvalidUser)
	assert.Empty(t, tr.Sent())
	assert.Equal(t, Idle, c.State())
}

func TestJoinEmitsAndWaitsForRoster(t *testing.T) {
	c, tr := newController(t, true)

	require.NoError(t, c.Join("r1", alice))
	assert.Equal(t, Joining, c.State())

	sent := tr.Sent(protocol.JoinRoom)
	require.Len(t, sent, 1)
	var p protocol.JoinPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, domain.RoomID("r1"), p.RoomID)
	assert.Equal(t, alice.ID, p.User.ID)

	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "u1", Username: "alice"}}))
	assert.Equal(t, Listener, c.State())
	assert.Len(t, c.Listeners(), 1)
}

func TestJoinQueuedWhileDisconnected(t *testing.T) {
	c, tr := newController(t, false)

	require.NoError(t, c.Join("r1", alice))
	assert.Empty(t, tr.Sent())
	assert.Len(t, tr.Queued(protocol.JoinRoom), 1)

	tr.SetConnected(true)
	assert.Len(t, tr.Sent(protocol.JoinRoom), 1)
}

func TestRosterPushReplacesWholesale(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))

	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "a"}, {ID: "b"}, {ID: "c"}}))
	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "b"}}))
	assert.Equal(t, []domain.Member{{ID: "b"}}, c.Listeners())

	require.NoError(t, tr.Push(protocol.Speakers, []domain.Speaker{{ID: "x", MicOpen: true}}))
	require.NoError(t, tr.Push(protocol.Speakers, []domain.Speaker{}))
	assert.Empty(t, c.Speakers())
	assert.Equal(t, []domain.Member{{ID: "b"}}, c.Listeners(), "speaker push leaves listeners untouched")
}

func TestRosterIgnoredWithoutActiveRoom(t *testing.T) {
	c, tr := newController(t, true)

	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "a"}}))
	assert.Empty(t, c.Listeners())
	assert.False(t, c.ApplySpeakers([]domain.Speaker{{ID: "a"}}))
}

func TestMalformedRosterKeepsPreviousState(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "a"}}))

	tr.PushEvent(protocol.Event{Type: protocol.Listeners, Payload: []byte(`{"not":"a list"}`)})
	assert.Equal(t, []domain.Member{{ID: "a"}}, c.Listeners())
}

func TestJoinOtherRoomDropsCachedRosters(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "a"}}))

	require.NoError(t, c.Join("r2", alice))
	assert.Empty(t, c.Listeners())
	assert.Empty(t, c.Speakers())
}

func TestSpeakerPushPromotesLocalUser(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))

	require.NoError(t, tr.Push(protocol.Speakers, []domain.Speaker{{ID: "u1", MicOpen: true}}))
	assert.Equal(t, Speaker, c.State())
	s, ok := c.Session()
	require.True(t, ok)
	assert.True(t, s.MicOpen)

	require.NoError(t, tr.Push(protocol.Speakers, []domain.Speaker{{ID: "other"}}))
	assert.Equal(t, Speaker, c.State(), "absence from the speaker roster does not demote")
}

func TestBecomeSpeakerIsOptimistic(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))

	require.NoError(t, c.BecomeSpeaker("r1", alice, true))
	assert.Equal(t, Speaker, c.State())
	assert.Len(t, tr.Sent(protocol.BecomeSpeaker), 1)

	mic := tr.Sent(protocol.MicToggle)
	require.Len(t, mic, 1)
	var p protocol.MicPayload
	require.NoError(t, mic[0].Decode(&p))
	assert.True(t, p.MicOpen)

	assert.ErrorIs(t, c.BecomeSpeaker("r2", alice, false), ErrNotInRoom)
}

func TestToggleMic(t *testing.T) {
	c, tr := newController(t, true)
	assert.ErrorIs(t, c.ToggleMic("r1", alice.ID, true), ErrNotInRoom)

	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, c.ToggleMic("r1", alice.ID, true))
	require.NoError(t, c.ToggleMic("r1", alice.ID, false))

	s, _ := c.Session()
	assert.False(t, s.MicOpen)
	assert.Len(t, tr.Sent(protocol.MicToggle), 2)
	assert.ErrorIs(t, c.ToggleMic("r1", "", true), ErrInvalidUser)
}

func TestLeaveEmitsOnce(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "u1"}}))

	require.NoError(t, c.Leave("r1", alice.ID))
	assert.ErrorIs(t, c.Leave("r1", alice.ID), ErrNotInRoom)

	assert.Len(t, tr.Sent(protocol.LeaveRoom), 1)
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, c.Listeners())
}

func TestLeaveCancelsQueuedJoin(t *testing.T) {
	c, tr := newController(t, false)
	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, c.RequestRosterSnapshot())

	require.NoError(t, c.Leave("r1", alice.ID))
	assert.Empty(t, tr.Queued())

	tr.SetConnected(true)
	assert.Empty(t, tr.Sent(), "neither join nor leave reaches the server")
}

func TestLeaveWhileDisconnectedIsLocal(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.Join("r1", alice))
	tr.SetConnected(false)

	require.NoError(t, c.Leave("r1", alice.ID))
	assert.Empty(t, tr.Sent(protocol.LeaveRoom))
	assert.Empty(t, tr.Queued(protocol.LeaveRoom))
	_, ok := c.Session()
	assert.False(t, ok)
}

func TestRejoinReannouncesSpeakerRole(t *testing.T) {
	c, tr := newController(t, true)
	assert.ErrorIs(t, c.Rejoin(), ErrNotInRoom)

	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, c.BecomeSpeaker("r1", alice, true))
	tr.Reset()

	require.NoError(t, c.Rejoin())
	types := make([]string, 0)
	for _, e := range tr.Sent() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{protocol.JoinRoom, protocol.BecomeSpeaker, protocol.MicToggle, protocol.RequestRoster}, types)
	assert.Equal(t, Speaker, c.State(), "rejoin keeps the session role")
}

func TestLeaveOnUnload(t *testing.T) {
	c, tr := newController(t, true)
	require.NoError(t, c.LeaveOnUnload())
	assert.Empty(t, tr.Sent())

	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, c.LeaveOnUnload())
	assert.Len(t, tr.Sent(protocol.LeaveRoom), 1)
}

func TestOnChangeNotifies(t *testing.T) {
	c, tr := newController(t, true)
	calls := 0
	off := c.OnChange(func() { calls++ })

	require.NoError(t, c.Join("r1", alice))
	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "u1"}}))
	assert.Equal(t, 2, calls)

	off()
	require.NoError(t, c.Leave("r1", alice.ID))
	assert.Equal(t, 2, calls)
}

func TestDetachStopsRosterUpdates(t *testing.T) {
	tr := mocks.NewTransport(true)
	c := New(tr)
	detach := c.Attach()
	require.NoError(t, c.Join("r1", alice))

	detach()
	assert.Zero(t, tr.Handlers(protocol.Listeners))
	require.NoError(t, tr.Push(protocol.Listeners, []domain.Member{{ID: "a"}}))
	assert.Empty(t, c.Listeners())
}
