package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/metrics"
	"github.com/dkeye/roomlink/internal/mocks"
	"github.com/dkeye/roomlink/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var u1 = domain.User{ID: "u1", Username: "alice"}

func newController(t *testing.T, opts ...Option) (*Controller, *mocks.Transport) {
	t.Helper()
	tr := mocks.NewTransport(true)
	c := New(tr, opts...)
	seq := 0
	c.newID = func() string {
		seq++
		return fmt.Sprintf("local-%d", seq)
	}
	t.Cleanup(c.Attach())
	return c, tr
}

func wire(id, room, user, text string) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:        domain.MessageID(id),
		RoomID:    domain.RoomID(room),
		UserID:    domain.UserID(user),
		Message:   text,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func ids(msgs []domain.Message) []domain.MessageID {
	out := make([]domain.MessageID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestBootstrapRequestsHistory(t *testing.T) {
	c, tr := newController(t)
	assert.ErrorIs(t, c.Bootstrap(" "), ErrInvalidRoom)

	require.NoError(t, c.Bootstrap("R1"))
	sent := tr.Sent(protocol.RequestHistory)
	require.Len(t, sent, 1)
	var p protocol.RoomPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, domain.RoomID("R1"), p.RoomID)
}

func TestHistoryReplacesWholesale(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m0", "R1", "u2", "old")))
	_, err := c.Send("R1", u1, "pending")
	require.NoError(t, err)

	require.NoError(t, tr.Push(protocol.History, []protocol.MessagePayload{
		wire("m2", "R1", "u2", "b"),
		wire("m1", "R1", "u2", "a"),
		wire("m2", "R1", "u2", "b again"),
	}))
	msgs := c.Messages()
	assert.Equal(t, []domain.MessageID{"m2", "m1"}, ids(msgs), "snapshot order kept, duplicates dropped")
	assert.Equal(t, "b", msgs[0].Text)
}

func TestHistoryForAnotherRoomDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc := metrics.NewClient(reg)
	c, tr := newController(t, WithMetrics(mc))
	require.NoError(t, c.Bootstrap("R2"))

	require.NoError(t, tr.Push(protocol.History, []protocol.MessagePayload{wire("m1", "R1", "u2", "a")}))
	assert.Empty(t, c.Messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.StaleDiscarded.WithLabelValues("history")))
}

func TestLateEmptyHistoryOfPreviousRoomIgnored(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	require.NoError(t, c.Bootstrap("R2"))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R2", "u2", "live")))

	require.NoError(t, tr.Push(protocol.History, []protocol.MessagePayload{}))
	assert.Equal(t, []domain.MessageID{"m1"}, ids(c.Messages()), "reply to the R1 request must not clear R2")

	require.NoError(t, tr.Push(protocol.History, []protocol.MessagePayload{wire("m0", "R2", "u2", "old")}))
	assert.Equal(t, []domain.MessageID{"m0"}, ids(c.Messages()))
}

func TestDroppedRequestsFallBackToRoomTags(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	require.NoError(t, c.Bootstrap("R2"))
	c.DropRequests()

	require.NoError(t, tr.Push(protocol.History, []protocol.MessagePayload{wire("m5", "R2", "u2", "x")}))
	assert.Equal(t, []domain.MessageID{"m5"}, ids(c.Messages()))
}

func TestPendingLocalIDNeverCollidesWithServerID(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	_, err := c.Send("R1", u1, "mine")
	require.NoError(t, err)

	require.NoError(t, tr.Push(protocol.NewMessage, wire("local-1", "R1", "u2", "theirs")))
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.Pending, msgs[0].State)
	assert.Equal(t, domain.MessageID("local-1"), msgs[1].ID)
}

func TestIncomingDeduplicatedByID(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc := metrics.NewClient(reg)
	c, tr := newController(t, WithMetrics(mc))
	require.NoError(t, c.Bootstrap("R1"))

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R1", "u2", "hello")))
	}
	assert.Len(t, c.Messages(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(mc.DuplicatesSuppressed))
}

func TestIncomingWithoutIDDropped(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))

	require.NoError(t, tr.Push(protocol.NewMessage, wire("", "R1", "u2", "ghost")))
	assert.Empty(t, c.Messages())
}

func TestIncomingKeepsArrivalOrder(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))

	late := wire("m1", "R1", "u2", "late")
	late.Timestamp = late.Timestamp.Add(time.Hour)
	require.NoError(t, tr.Push(protocol.NewMessage, late))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m2", "R1", "u2", "early")))

	assert.Equal(t, []domain.MessageID{"m1", "m2"}, ids(c.Messages()))
}

func TestScopedIncomingIgnoresOtherRooms(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("Y"))

	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "X", "u2", "from x")))
	assert.Empty(t, c.Messages())

	require.NoError(t, tr.Push(protocol.NewMessage, wire("m2", "Y", "u2", "from y")))
	assert.Len(t, c.Messages(), 1)
}

func TestUnscopedIncomingAcceptsOtherRooms(t *testing.T) {
	c, tr := newController(t, WithScope(false))
	require.NoError(t, c.Bootstrap("Y"))

	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "X", "u2", "from x")))
	assert.Len(t, c.Messages(), 1)
}

func TestDetachedControllerIgnoresEvents(t *testing.T) {
	tr := mocks.NewTransport(true)
	c := New(tr)
	detach := c.Attach()
	require.NoError(t, c.Bootstrap("X"))

	detach()
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "X", "u2", "late")))
	require.NoError(t, tr.Push(protocol.MessageDeleted, "m1"))
	assert.Empty(t, c.Messages())
	assert.Zero(t, tr.Handlers(protocol.NewMessage))
}

func TestSendAppendsPendingAndEchoConfirms(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))

	m, err := c.Send("R1", u1, "hi")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, m.State)
	require.Len(t, c.Messages(), 1)

	sent := tr.Sent(protocol.SendMessage)
	require.Len(t, sent, 1)
	var p protocol.SendPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, "hi", p.Message)
	assert.Equal(t, m.LocalID, p.ClientID)
	assert.False(t, p.Timestamp.IsZero())

	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R1", "u1", "hi")))
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageID("m1"), msgs[0].ID)
	assert.Equal(t, domain.Confirmed, msgs[0].State)
	assert.Equal(t, m.LocalID, msgs[0].LocalID)
}

func TestEchoMatchedByClientID(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))

	first, err := c.Send("R1", u1, "same")
	require.NoError(t, err)
	second, err := c.Send("R1", u1, "same")
	require.NoError(t, err)

	echo := wire("m2", "R1", "u1", "same")
	echo.ClientID = second.LocalID
	require.NoError(t, tr.Push(protocol.NewMessage, echo))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, first.LocalID, msgs[0].LocalID)
	assert.Equal(t, domain.Pending, msgs[0].State)
	assert.Equal(t, domain.MessageID("m2"), msgs[1].ID)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))

	_, err := c.Send("R1", u1, "   \n\t")
	assert.ErrorIs(t, err, ErrBlankMessage)
	_, err = c.Send("R1", domain.User{}, "hi")
	assert.ErrorIs(t, err, ErrInvalidUser)
	assert.Empty(t, tr.Sent(protocol.SendMessage))
	assert.Empty(t, c.Messages())
}

func TestDeleteEmitsWithoutLocalRemoval(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R1", "u1", "hi")))

	assert.ErrorIs(t, c.Delete("R1", "", "u1"), ErrMissingMessageID)
	require.NoError(t, c.Delete("R1", "m1", "u1"))

	assert.Len(t, tr.Sent(protocol.DeleteMessage), 1)
	assert.Len(t, c.Messages(), 1)
}

func TestDeletionIsIdempotent(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R1", "u2", "a")))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m2", "R1", "u2", "b")))

	require.NoError(t, tr.Push(protocol.MessageDeleted, "m1"))
	require.NoError(t, tr.Push(protocol.MessageDeleted, map[string]string{"messageId": "m1"}))
	assert.Equal(t, []domain.MessageID{"m2"}, ids(c.Messages()))

	assert.False(t, c.ApplyDeletion("missing"))
	assert.Equal(t, []domain.MessageID{"m2"}, ids(c.Messages()))
}

func TestCanDelete(t *testing.T) {
	mine := domain.Message{ID: "m1", SenderID: "u1", State: domain.Confirmed}
	pending := domain.Message{LocalID: "l1", SenderID: "u1", State: domain.Pending}

	assert.True(t, CanDelete(mine, "u1"))
	assert.False(t, CanDelete(mine, "u2"))
	assert.False(t, CanDelete(mine, ""))
	assert.False(t, CanDelete(pending, "u1"))
}

func TestBootstrapOtherRoomClearsSequence(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R1", "u2", "a")))

	require.NoError(t, c.Bootstrap("R1"))
	assert.Len(t, c.Messages(), 1, "same room keeps the sequence until history arrives")

	require.NoError(t, c.Bootstrap("R2"))
	assert.Empty(t, c.Messages())

	c.Reset()
	assert.Empty(t, c.Room())
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m3", "R2", "u2", "c")))
	assert.Empty(t, c.Messages())
}

func TestEndToEndEchoScenario(t *testing.T) {
	c, tr := newController(t)
	require.NoError(t, c.Bootstrap("R1"))

	_, err := c.Send("R1", u1, "hi")
	require.NoError(t, err)
	require.NoError(t, tr.Push(protocol.NewMessage, wire("m1", "R1", "u1", "hi")))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageID("m1"), msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Text)
}
