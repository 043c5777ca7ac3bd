// Package registry maintains the conversation list. Conversations are seeded
// from the lead listing, discovered from live events, and never removed. The
// lead id is the conversation id, so repeated loads merge instead of
// duplicating.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/leads"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/transport"
)

// Source lists the lead records that seed the conversation list.
type Source interface {
	ListLeads(ctx context.Context) ([]leads.Lead, error)
}

// ListLoadError means the listing failed. The previous list is kept.
type ListLoadError struct {
	Err error
}

func (e *ListLoadError) Error() string {
	return fmt.Sprintf("load conversations: %v", e.Err)
}

func (e *ListLoadError) Unwrap() error { return e.Err }

// IsListLoad reports whether err is a ListLoadError.
func IsListLoad(err error) bool {
	var le *ListLoadError
	return errors.As(err, &le)
}

// Registry is the conversation list of the local party.
type Registry struct {
	source   Source
	store    *msgstore.Store
	identity model.Identity
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.RWMutex
	convs  map[string]*model.Conversation
	seeds  map[string]seed
	active string
	notice error

	unsub func()
}

// seed is what the lead record says about a conversation with no messages.
type seed struct {
	preview string
	at      time.Time
}

// New creates a registry and subscribes it to store changes.
func New(source Source, store *msgstore.Store, identity model.Identity, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		source:   source,
		store:    store,
		identity: identity,
		bus:      b,
		logger:   logger,
		convs:    make(map[string]*model.Conversation),
		seeds:    make(map[string]seed),
	}
	r.unsub = store.Subscribe(r.onChange)
	return r
}

// Close detaches the registry from the store.
func (r *Registry) Close() {
	r.unsub()
}

// Load fetches the lead listing and merges it into the list by id. Unread
// counts survive. On failure the last known list is returned together with
// a ListLoadError, which also becomes the current notice.
func (r *Registry) Load(ctx context.Context) ([]model.Conversation, error) {
	records, err := r.source.ListLeads(ctx)
	if err != nil {
		loadErr := &ListLoadError{Err: err}
		r.mu.Lock()
		r.notice = loadErr
		r.mu.Unlock()
		r.logger.Warn("conversation list load failed, keeping stale list", zap.Error(err))
		r.bus.Publish(bus.Event{Kind: bus.ConversationLoadFailed, Payload: loadErr.Error()})
		return r.List(), loadErr
	}

	var changed []model.Conversation
	r.mu.Lock()
	r.notice = nil
	for _, lead := range records {
		id := string(lead.ID)
		if id == "" {
			continue
		}
		party := lead.Counterpart(r.identity.Role)
		name := displayName(party, r.identity.Role.Counterpart(), id)
		avatar := party.AvatarURL
		if avatar == "" {
			avatar = placeholderAvatar(name)
		}

		r.seeds[id] = seed{preview: preview(lead.Details), at: lead.SubmittedAt}
		conv, ok := r.convs[id]
		if !ok {
			conv = &model.Conversation{
				ID:                 id,
				LastMessagePreview: preview(lead.Details),
				LastMessageAt:      lead.SubmittedAt,
			}
			r.convs[id] = conv
		}
		conv.CounterpartID = string(party.ID)
		conv.CounterpartDisplayName = name
		conv.CounterpartAvatarURL = avatar
		r.projectLocked(conv)
		changed = append(changed, *conv)
	}
	r.mu.Unlock()

	for _, c := range changed {
		r.bus.Publish(bus.Event{Kind: bus.ConversationUpserted, Payload: c})
	}
	r.logger.Info("conversation list loaded", zap.Int("records", len(records)))
	return r.List(), nil
}

// UpsertFromEvent makes sure the conversation an event belongs to is known,
// and learns the counterpart id from the first message not sent by us.
func (r *Registry) UpsertFromEvent(evt transport.Event) model.Conversation {
	r.mu.Lock()
	conv, created := r.ensureLocked(evt.ConversationID)
	for _, m := range evt.Messages {
		if conv.CounterpartID == "" && m.SenderID != "" && !r.identity.Authored(m) {
			conv.CounterpartID = m.SenderID
		}
	}
	r.projectLocked(conv)
	out := *conv
	r.mu.Unlock()

	if created {
		r.logger.Info("conversation discovered from live event", zap.String("conversation_id", out.ID))
	}
	r.bus.Publish(bus.Event{Kind: bus.ConversationUpserted, Payload: out})
	return out
}

// Project recomputes the preview and last activity of a conversation from
// the message store.
func (r *Registry) Project(conversationID string) (model.Conversation, bool) {
	r.mu.Lock()
	conv, ok := r.convs[conversationID]
	if !ok {
		r.mu.Unlock()
		return model.Conversation{}, false
	}
	r.projectLocked(conv)
	out := *conv
	r.mu.Unlock()
	return out, true
}

// SetActive records which conversation is on screen. Messages arriving for
// it do not count as unread.
func (r *Registry) SetActive(conversationID string) {
	r.mu.Lock()
	r.active = conversationID
	r.mu.Unlock()
}

// Active returns the conversation set by SetActive.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// MarkRead resets the unread count. Reports whether the conversation is known.
func (r *Registry) MarkRead(conversationID string) bool {
	r.mu.Lock()
	conv, ok := r.convs[conversationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	conv.UnreadCount = 0
	out := *conv
	r.mu.Unlock()

	r.bus.Publish(bus.Event{Kind: bus.ConversationRead, Payload: out})
	return true
}

// Get returns one conversation.
func (r *Registry) Get(conversationID string) (model.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.convs[conversationID]
	if !ok {
		return model.Conversation{}, false
	}
	return *conv, true
}

// List returns the conversations, most recent activity first.
func (r *Registry) List() []model.Conversation {
	r.mu.RLock()
	out := make([]model.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Restore seeds the list from a persisted mirror. Known conversations win.
func (r *Registry) Restore(convs []model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		if _, ok := r.convs[c.ID]; ok {
			continue
		}
		if _, ok := r.seeds[c.ID]; !ok {
			r.seeds[c.ID] = seed{preview: c.LastMessagePreview, at: c.LastMessageAt}
		}
		conv := c
		if conv.CounterpartDisplayName == "" {
			conv.CounterpartDisplayName = fallbackName(r.identity.Role.Counterpart(), conv.ID)
		}
		if conv.CounterpartAvatarURL == "" {
			conv.CounterpartAvatarURL = placeholderAvatar(conv.CounterpartDisplayName)
		}
		r.convs[c.ID] = &conv
	}
}

// Notice returns the last list-load failure, if not dismissed.
func (r *Registry) Notice() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notice
}

// DismissNotice clears the current notice.
func (r *Registry) DismissNotice() {
	r.mu.Lock()
	r.notice = nil
	r.mu.Unlock()
}

func (r *Registry) onChange(ch msgstore.Change) {
	switch ch.Kind {
	case msgstore.Appended, msgstore.Reconciled, msgstore.Discarded:
	default:
		return
	}

	r.mu.Lock()
	conv, _ := r.ensureLocked(ch.ConversationID)
	r.projectLocked(conv)
	if ch.Kind == msgstore.Appended && !ch.History &&
		!r.identity.Authored(ch.Message) && ch.ConversationID != r.active {
		conv.UnreadCount++
	}
	out := *conv
	r.mu.Unlock()

	r.bus.Publish(bus.Event{Kind: bus.ConversationUpserted, Payload: out})
}

// ensureLocked must be called with mu held.
func (r *Registry) ensureLocked(id string) (*model.Conversation, bool) {
	if conv, ok := r.convs[id]; ok {
		return conv, false
	}
	name := fallbackName(r.identity.Role.Counterpart(), id)
	conv := &model.Conversation{
		ID:                     id,
		CounterpartDisplayName: name,
		CounterpartAvatarURL:   placeholderAvatar(name),
	}
	r.convs[id] = conv
	return conv, true
}

// projectLocked must be called with mu held. An empty log falls back to
// the lead record, or to nothing for conversations without one.
func (r *Registry) projectLocked(conv *model.Conversation) {
	last, ok := r.store.Last(conv.ID)
	if !ok {
		sd := r.seeds[conv.ID]
		conv.LastMessagePreview = sd.preview
		conv.LastMessageAt = sd.at
		return
	}
	conv.LastMessagePreview = preview(last.Body)
	conv.LastMessageAt = last.CreatedAt
}
