package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vincent-petithory/dataurl"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/leads"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/transport"
	"github.com/referly/leadchat/internal/wire"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	leads []leads.Lead
	err   error
	calls int
}

func (s *stubSource) ListLeads(context.Context) ([]leads.Lead, error) {
	s.calls++
	return s.leads, s.err
}

var me = model.Identity{UserID: "b-1", Role: model.RoleBusiness}

func newRegistry(t *testing.T, src Source) (*Registry, *msgstore.Store) {
	t.Helper()
	store := msgstore.New(nil)
	r := New(src, store, me, nil, nil)
	t.Cleanup(r.Close)
	return r, store
}

func lead(id string, freelancer leads.Party) leads.Lead {
	return leads.Lead{
		ID:          wire.ID(id),
		Details:     "Need a deck built",
		SubmittedAt: t0,
		Business:    leads.Party{ID: "b-1", Name: "Acme"},
		Freelancer:  freelancer,
	}
}

func TestLoadSeedsConversations(t *testing.T) {
	src := &stubSource{leads: []leads.Lead{
		lead("17", leads.Party{ID: "f-1", FirstName: "Ana", LastName: "Ruiz", AvatarURL: "https://cdn/ana.png"}),
	}}
	r, _ := newRegistry(t, src)

	convs, err := r.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	c := convs[0]
	assert.Equal(t, "17", c.ID)
	assert.Equal(t, "f-1", c.CounterpartID)
	assert.Equal(t, "Ana Ruiz", c.CounterpartDisplayName)
	assert.Equal(t, "https://cdn/ana.png", c.CounterpartAvatarURL)
	assert.Equal(t, "Need a deck built", c.LastMessagePreview)
	assert.Equal(t, t0, c.LastMessageAt)
}

func TestRepeatedLoadMergesAndKeepsUnread(t *testing.T) {
	src := &stubSource{leads: []leads.Lead{lead("17", leads.Party{ID: "f-1", Name: "Ana"})}}
	r, store := newRegistry(t, src)

	_, err := r.Load(context.Background())
	require.NoError(t, err)

	store.Append("17", model.Message{ID: "m1", SenderID: "f-1", Body: "hi there", CreatedAt: t0.Add(time.Minute)})
	store.Append("17", model.Message{ID: "m2", SenderID: "f-1", Body: "you around?", CreatedAt: t0.Add(2 * time.Minute)})

	src.leads = []leads.Lead{lead("17", leads.Party{ID: "f-1", Name: "Ana Ruiz"})}
	convs, err := r.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, "Ana Ruiz", convs[0].CounterpartDisplayName)
	assert.Equal(t, "you around?", convs[0].LastMessagePreview)
	assert.Equal(t, t0.Add(2*time.Minute), convs[0].LastMessageAt)
}

func TestDiscardingOnlyMessageRestoresLeadPreview(t *testing.T) {
	r, store := newRegistry(t, &stubSource{leads: []leads.Lead{lead("17", leads.Party{ID: "f-1", Name: "Ana"})}})
	_, err := r.Load(context.Background())
	require.NoError(t, err)

	store.Append("17", model.Message{ClientID: "c1", SenderID: "b-1", Body: "oops typo", CreatedAt: t0.Add(time.Minute)})
	c, _ := r.Get("17")
	require.Equal(t, "oops typo", c.LastMessagePreview)

	require.True(t, store.MarkFailed("17", "c1", "offline"))
	require.True(t, store.Discard("17", "c1"))
	require.Empty(t, store.List("17"))

	c, _ = r.Get("17")
	assert.Equal(t, "Need a deck built", c.LastMessagePreview)
	assert.Equal(t, t0, c.LastMessageAt)
}

func TestDiscardingOnlyMessageOfDiscoveredConversation(t *testing.T) {
	r, store := newRegistry(t, &stubSource{})

	store.Append("40", model.Message{ClientID: "c1", SenderID: "b-1", Body: "draft", CreatedAt: t0})
	require.True(t, store.MarkFailed("40", "c1", "offline"))
	require.True(t, store.Discard("40", "c1"))

	c, ok := r.Get("40")
	require.True(t, ok)
	assert.Empty(t, c.LastMessagePreview)
	assert.True(t, c.LastMessageAt.IsZero())
}

func TestRestoredPreviewSurvivesEmptyHistory(t *testing.T) {
	r, _ := newRegistry(t, &stubSource{})
	r.Restore([]model.Conversation{{ID: "5", LastMessagePreview: "see you", LastMessageAt: t0}})

	c := r.UpsertFromEvent(transport.Event{Kind: transport.EventHistory, ConversationID: "5"})
	assert.Equal(t, "see you", c.LastMessagePreview)
	assert.Equal(t, t0, c.LastMessageAt)
}

func TestLoadFailureKeepsStaleList(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.ConversationLoadFailed, 1)
	defer unsub()

	src := &stubSource{leads: []leads.Lead{lead("17", leads.Party{Name: "Ana"})}}
	store := msgstore.New(nil)
	r := New(src, store, me, b, nil)
	defer r.Close()

	_, err := r.Load(context.Background())
	require.NoError(t, err)

	src.err = errors.New("502 bad gateway")
	convs, err := r.Load(context.Background())
	require.Error(t, err)
	assert.True(t, IsListLoad(err))
	assert.Len(t, convs, 1, "stale list survives")
	assert.True(t, IsListLoad(r.Notice()))
	assert.Equal(t, bus.ConversationLoadFailed, (<-events).Kind)

	r.DismissNotice()
	assert.NoError(t, r.Notice())

	src.err = nil
	_, err = r.Load(context.Background())
	require.NoError(t, err)
	assert.NoError(t, r.Notice())
}

func TestUnreadRules(t *testing.T) {
	r, store := newRegistry(t, &stubSource{})

	// Incoming while not active counts.
	store.Append("17", model.Message{ID: "m1", SenderID: "f-1", Body: "a", CreatedAt: t0})
	// Our own message never counts.
	store.Append("17", model.Message{ClientID: "tmp-1", Body: "b", CreatedAt: t0.Add(time.Second)})
	store.Append("17", model.Message{ID: "m3", SenderID: "b-1", Body: "c", CreatedAt: t0.Add(2 * time.Second)})
	c, ok := r.Get("17")
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)

	// Incoming for the active conversation does not count.
	r.SetActive("17")
	store.Append("17", model.Message{ID: "m4", SenderID: "f-1", Body: "d", CreatedAt: t0.Add(3 * time.Second)})
	c, _ = r.Get("17")
	assert.Equal(t, 1, c.UnreadCount)

	// History backfill does not count.
	r.SetActive("")
	store.AppendBatch("17", []model.Message{{ID: "m0", SenderID: "f-1", Body: "old", CreatedAt: t0.Add(-time.Hour)}})
	c, _ = r.Get("17")
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "d", c.LastMessagePreview)

	require.True(t, r.MarkRead("17"))
	c, _ = r.Get("17")
	assert.Zero(t, c.UnreadCount)
	assert.False(t, r.MarkRead("nope"))
}

func TestUpsertFromEventDiscoversConversation(t *testing.T) {
	r, store := newRegistry(t, &stubSource{})
	msg := model.Message{ID: "m1", SenderID: "f-9", Body: "hello", CreatedAt: t0}
	store.Append("99", msg)

	c := r.UpsertFromEvent(transport.Event{Kind: transport.EventMessage, ConversationID: "99", Messages: []model.Message{msg}})
	assert.Equal(t, "99", c.ID)
	assert.Equal(t, "f-9", c.CounterpartID)
	assert.Equal(t, "Freelancer #99", c.CounterpartDisplayName)
	assert.NotEmpty(t, c.CounterpartAvatarURL)
	assert.Equal(t, "hello", c.LastMessagePreview)
	assert.Len(t, r.List(), 1)

	// Loading the lead later fills in the real profile without duplicating.
	r.source = &stubSource{leads: []leads.Lead{lead("99", leads.Party{ID: "f-9", Email: "sam@example.com"})}}
	convs, err := r.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "sam", convs[0].CounterpartDisplayName)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestListOrder(t *testing.T) {
	r, store := newRegistry(t, &stubSource{leads: []leads.Lead{
		lead("1", leads.Party{Name: "A"}),
		lead("2", leads.Party{Name: "B"}),
		lead("3", leads.Party{Name: "C"}),
	}})
	_, err := r.Load(context.Background())
	require.NoError(t, err)
	store.Append("2", model.Message{ID: "m", SenderID: "x", Body: "new", CreatedAt: t0.Add(time.Hour)})

	var ids []string
	for _, c := range r.List() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"2", "1", "3"}, ids)
}

func TestRestore(t *testing.T) {
	r, _ := newRegistry(t, &stubSource{leads: []leads.Lead{lead("1", leads.Party{Name: "Live"})}})
	_, err := r.Load(context.Background())
	require.NoError(t, err)

	r.Restore([]model.Conversation{
		{ID: "1", CounterpartDisplayName: "Stale", UnreadCount: 9},
		{ID: "2", UnreadCount: 3},
	})

	c1, _ := r.Get("1")
	assert.Equal(t, "Live", c1.CounterpartDisplayName)
	c2, ok := r.Get("2")
	require.True(t, ok)
	assert.Equal(t, 3, c2.UnreadCount)
	assert.NotEmpty(t, c2.CounterpartDisplayName)
	assert.NotEmpty(t, c2.CounterpartAvatarURL)
}

func TestDisplayNameFallbackChain(t *testing.T) {
	tests := []struct {
		name  string
		party leads.Party
		want  string
	}{
		{"name", leads.Party{Name: " Ana Ruiz ", FirstName: "X"}, "Ana Ruiz"},
		{"first last", leads.Party{FirstName: "Ana", LastName: "Ruiz"}, "Ana Ruiz"},
		{"first only", leads.Party{FirstName: "Ana"}, "Ana"},
		{"company", leads.Party{Company: "Acme"}, "Acme"},
		{"email", leads.Party{Email: "ana@acme.io"}, "ana"},
		{"nothing", leads.Party{}, "Freelancer #17"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, displayName(tt.party, model.RoleFreelancer, "17"))
		})
	}
}

func TestPlaceholderAvatar(t *testing.T) {
	a := placeholderAvatar("Ana Ruiz")
	assert.Equal(t, a, placeholderAvatar("Ana Ruiz"), "deterministic")
	assert.True(t, strings.HasPrefix(a, "data:image/svg+xml"))

	du, err := dataurl.DecodeString(a)
	require.NoError(t, err)
	assert.Contains(t, string(du.Data), ">AR</text>")

	assert.Equal(t, "?", initials("  "))
	assert.Equal(t, "JQ", initials("john q doe"))
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("word ", 40)
	p := preview(long)
	assert.Equal(t, previewLimit, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "…"))
	assert.Equal(t, "a b", preview(" a \n b "))
}
