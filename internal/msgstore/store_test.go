package msgstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id string, offset time.Duration, body string) model.Message {
	return model.Message{ID: id, SenderID: "u-2", SenderRole: model.RoleFreelancer, Body: body, CreatedAt: t0.Add(offset)}
}

func pending(clientID string, offset time.Duration, body string) model.Message {
	return model.Message{ClientID: clientID, SenderRole: model.RoleBusiness, Body: body, CreatedAt: t0.Add(offset), DeliveryState: model.Pending}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func TestAppendDedupsByID(t *testing.T) {
	s := New(nil)

	assert.True(t, s.Append("lead-1", confirmed("m1", 0, "hi")))
	assert.False(t, s.Append("lead-1", confirmed("m1", 0, "hi")))

	got := s.List("lead-1")
	require.Len(t, got, 1)
	assert.Equal(t, model.Sent, got[0].DeliveryState)
	assert.Equal(t, "lead-1", got[0].ConversationID)
}

func TestAppendKeepsOrder(t *testing.T) {
	s := New(nil)
	s.Append("c", confirmed("m3", 3*time.Second, "c"))
	s.Append("c", confirmed("m1", 1*time.Second, "a"))
	s.Append("c", confirmed("m2", 2*time.Second, "b"))
	s.Append("c", confirmed("m2b", 2*time.Second, "tie"))

	assert.Equal(t, []string{"m1", "m2", "m2b", "m3"}, ids(s.List("c")))
}

func TestAppendRejectsAnonymousEntries(t *testing.T) {
	s := New(nil)
	assert.False(t, s.Append("c", model.Message{Body: "no ids"}))
	assert.Empty(t, s.List("c"))
}

func TestAppendReconcilesPendingByClientID(t *testing.T) {
	s := New(nil)
	s.Append("c", confirmed("m1", 0, "first"))
	s.Append("c", pending("tmp-1", time.Second, "hello"))
	s.Append("c", confirmed("m2", 2*time.Second, "later"))

	echo := confirmed("srv-9", 1500*time.Millisecond, "hello")
	echo.ClientID = "tmp-1"
	echo.SenderID = "u-1"
	echo.SenderRole = model.RoleBusiness
	assert.True(t, s.Append("c", echo))

	got := s.List("c")
	require.Len(t, got, 3)
	assert.Equal(t, "srv-9", got[1].ID)
	assert.Equal(t, "tmp-1", got[1].ClientID)
	assert.Equal(t, model.Sent, got[1].DeliveryState)
	assert.Equal(t, "u-1", got[1].SenderID)

	// A second echo of the same message is ignored.
	assert.False(t, s.Append("c", echo))
	assert.Len(t, s.List("c"), 3)
}

func TestReconcileKeepsPosition(t *testing.T) {
	s := New(nil)
	s.Append("c", pending("tmp-1", 0, "hello"))
	s.Append("c", confirmed("m2", time.Second, "reply"))

	msg, changed := s.Reconcile("c", "tmp-1", model.Message{ID: "srv-1", CreatedAt: t0.Add(500 * time.Millisecond)})
	require.True(t, changed)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, []string{"tmp-1", "m2"}, ids(s.List("c")))
}

func TestReconcileRelocatesWhenOrderingBreaks(t *testing.T) {
	s := New(nil)
	s.Append("c", pending("tmp-1", 0, "hello"))
	s.Append("c", confirmed("m2", time.Second, "reply"))

	_, changed := s.Reconcile("c", "tmp-1", model.Message{ID: "srv-1", CreatedAt: t0.Add(2 * time.Second)})
	require.True(t, changed)
	assert.Equal(t, []string{"m2", "tmp-1"}, ids(s.List("c")))
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Append("c", pending("tmp-1", 0, "hello"))

	_, changed := s.Reconcile("c", "tmp-1", model.Message{ID: "srv-1"})
	require.True(t, changed)
	_, changed = s.Reconcile("c", "tmp-1", model.Message{ID: "srv-1"})
	assert.False(t, changed)

	// The echo arriving after the REST confirmation is a no-op too.
	echo := confirmed("srv-1", 0, "hello")
	echo.ClientID = "tmp-1"
	assert.False(t, s.Append("c", echo))
	assert.Len(t, s.List("c"), 1)
}

func TestReconcileWithoutPendingFallsBackToAppend(t *testing.T) {
	s := New(nil)

	msg, changed := s.Reconcile("c", "tmp-1", confirmed("srv-1", 0, "hello"))
	require.True(t, changed)
	assert.Equal(t, "tmp-1", msg.ClientID)

	_, changed = s.Reconcile("c", "tmp-2", confirmed("srv-1", 0, "hello"))
	assert.False(t, changed)
	assert.Len(t, s.List("c"), 1)
}

func TestReconcileFoldsIntoExistingConfirmedEntry(t *testing.T) {
	s := New(nil)
	s.Append("c", pending("tmp-1", 0, "hello"))
	// Echo arrives without the client id.
	s.Append("c", confirmed("srv-1", time.Second, "hello"))

	msg, changed := s.Reconcile("c", "tmp-1", model.Message{ID: "srv-1"})
	require.True(t, changed)
	assert.Equal(t, "tmp-1", msg.ClientID)

	got := s.List("c")
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.Equal(t, model.Sent, got[0].DeliveryState)
}

func TestFailRetryDiscard(t *testing.T) {
	s := New(nil)
	s.Append("c", pending("tmp-1", 0, "hello"))

	assert.False(t, s.MarkRetrying("c", "tmp-1"), "pending entry cannot be retried")
	assert.False(t, s.Discard("c", "tmp-1"), "pending entry cannot be discarded")

	require.True(t, s.MarkFailed("c", "tmp-1", "timeout"))
	m, ok := s.Lookup("c", "tmp-1")
	require.True(t, ok)
	assert.Equal(t, model.Failed, m.DeliveryState)
	assert.Equal(t, "timeout", m.Error)

	require.True(t, s.MarkRetrying("c", "tmp-1"))
	m, _ = s.Lookup("c", "tmp-1")
	assert.Equal(t, model.Pending, m.DeliveryState)
	assert.Empty(t, m.Error)

	require.True(t, s.MarkFailed("c", "tmp-1", "again"))
	require.True(t, s.Discard("c", "tmp-1"))
	_, ok = s.Lookup("c", "tmp-1")
	assert.False(t, ok)
}

func TestMarkFailedIgnoresConfirmed(t *testing.T) {
	s := New(nil)
	s.Append("c", pending("tmp-1", 0, "hello"))
	s.Reconcile("c", "tmp-1", model.Message{ID: "srv-1"})

	assert.False(t, s.MarkFailed("c", "tmp-1", "late timeout"))
	m, _ := s.Lookup("c", "tmp-1")
	assert.Equal(t, model.Sent, m.DeliveryState)
}

func TestAppendBatchSkipsKnown(t *testing.T) {
	s := New(nil)
	s.Append("c", confirmed("m2", 2*time.Second, "b"))

	var history []Change
	s.Subscribe(func(c Change) { history = append(history, c) })

	n := s.AppendBatch("c", []model.Message{
		confirmed("m1", time.Second, "a"),
		confirmed("m2", 2*time.Second, "b"),
		confirmed("m3", 3*time.Second, "c"),
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.List("c")))
	require.Len(t, history, 2)
	assert.True(t, history[0].History)
}

func TestConversationsAreIsolated(t *testing.T) {
	s := New(nil)
	s.Append("a", confirmed("m1", 0, "x"))
	s.Append("b", confirmed("m1", 0, "x"))

	assert.Len(t, s.List("a"), 1)
	assert.Len(t, s.List("b"), 1)
	_, ok := s.Last("missing")
	assert.False(t, ok)
}

func TestMessagesIsRestartable(t *testing.T) {
	s := New(nil)
	s.Append("c", confirmed("m1", 0, "x"))
	s.Append("c", confirmed("m2", time.Second, "y"))

	seq := s.Messages("c")
	for range 2 {
		var n int
		for range seq {
			n++
		}
		assert.Equal(t, 2, n)
	}
}

func TestChangesArePublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	s := New(b)
	var seen []ChangeKind
	remove := s.Subscribe(func(c Change) { seen = append(seen, c.Kind) })

	s.Append("c", pending("tmp-1", 0, "hello"))
	s.MarkFailed("c", "tmp-1", "boom")
	remove()
	s.MarkRetrying("c", "tmp-1")

	assert.Equal(t, []ChangeKind{Appended, Failed}, seen)

	kinds := []string{(<-ch).Kind, (<-ch).Kind, (<-ch).Kind}
	assert.Equal(t, []string{bus.MessageAppended, bus.MessageFailed, bus.MessageRetrying}, kinds)
}
