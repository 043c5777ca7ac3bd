// Package msgstore holds the ordered, deduplicated message log of every
// conversation. It is the only place message entries are mutated.
//
// Entries are kept sorted by CreatedAt with ties broken by insertion order.
// Confirmed messages are unique by server id; locally composed messages are
// unique by client id and are overwritten in place when their confirmation
// arrives, whichever path (echo, REST response, history) delivers it.
package msgstore

import (
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/model"
)

// ChangeKind describes what happened to an entry.
type ChangeKind string

const (
	Appended   ChangeKind = "appended"
	Reconciled ChangeKind = "reconciled"
	Failed     ChangeKind = "failed"
	Retrying   ChangeKind = "retrying"
	Discarded  ChangeKind = "discarded"
)

var busKinds = map[ChangeKind]string{
	Appended:   bus.MessageAppended,
	Reconciled: bus.MessageReconciled,
	Failed:     bus.MessageFailed,
	Retrying:   bus.MessageRetrying,
	Discarded:  bus.MessageDiscarded,
}

// Change is delivered to listeners and published on the bus after every mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Message        model.Message
	// History is set for entries that arrived in a history backfill.
	History bool
}

// Listener is called synchronously after a mutation, outside the store lock.
type Listener func(Change)

// Store is the per-conversation message log.
type Store struct {
	mu   sync.RWMutex
	logs map[string][]model.Message

	lmu       sync.RWMutex
	listeners map[int]Listener
	nextID    int

	bus *bus.Bus
}

// New creates an empty store. b may be nil.
func New(b *bus.Bus) *Store {
	return &Store{
		logs:      make(map[string][]model.Message),
		listeners: make(map[int]Listener),
		bus:       b,
	}
}

// Subscribe registers a synchronous listener and returns its removal func.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// Append adds msg to the conversation log. Appending a confirmed message
// whose id is already present is a no-op. A confirmed message carrying the
// client id of a local unconfirmed entry reconciles that entry in place.
// Returns whether the log changed.
func (s *Store) Append(conversationID string, msg model.Message) bool {
	s.mu.Lock()
	c, ok := s.appendLocked(conversationID, msg)
	s.mu.Unlock()

	if ok {
		s.emit(c)
	}
	return ok
}

// AppendBatch appends a history backfill. Entries already present are skipped.
func (s *Store) AppendBatch(conversationID string, msgs []model.Message) int {
	var changes []Change
	s.mu.Lock()
	for _, m := range msgs {
		if c, ok := s.appendLocked(conversationID, m); ok {
			c.History = true
			changes = append(changes, c)
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.emit(c)
	}
	return len(changes)
}

// Reconcile replaces the unconfirmed entry with clientID by its confirmed
// counterpart, keeping its slot. Without a matching entry it falls back to
// Append with id dedup. Returns the resulting entry and whether the log changed.
func (s *Store) Reconcile(conversationID, clientID string, confirmed model.Message) (model.Message, bool) {
	confirmed.ClientID = clientID
	confirmed.ConversationID = conversationID

	s.mu.Lock()
	entries := s.logs[conversationID]
	i := indexByClientID(entries, clientID)
	if i < 0 {
		c, ok := s.appendLocked(conversationID, confirmed)
		s.mu.Unlock()
		if ok {
			s.emit(c)
			return c.Message, true
		}
		existing, _ := s.lookupByID(conversationID, confirmed.ID)
		return existing, false
	}
	if entries[i].Confirmed() {
		existing := entries[i]
		s.mu.Unlock()
		return existing, false
	}
	c := s.reconcileLocked(conversationID, i, confirmed)
	s.mu.Unlock()

	s.emit(c)
	return c.Message, true
}

// MarkFailed moves an unconfirmed entry to FAILED.
func (s *Store) MarkFailed(conversationID, clientID, reason string) bool {
	return s.transition(conversationID, clientID, Failed, func(m *model.Message) bool {
		if m.Confirmed() {
			return false
		}
		m.DeliveryState = model.Failed
		m.Error = reason
		return true
	})
}

// MarkRetrying moves a FAILED entry back to PENDING.
func (s *Store) MarkRetrying(conversationID, clientID string) bool {
	return s.transition(conversationID, clientID, Retrying, func(m *model.Message) bool {
		if m.DeliveryState != model.Failed {
			return false
		}
		m.DeliveryState = model.Pending
		m.Error = ""
		return true
	})
}

func (s *Store) transition(conversationID, clientID string, kind ChangeKind, apply func(*model.Message) bool) bool {
	s.mu.Lock()
	entries := s.logs[conversationID]
	i := indexByClientID(entries, clientID)
	if i < 0 || !apply(&entries[i]) {
		s.mu.Unlock()
		return false
	}
	c := Change{Kind: kind, ConversationID: conversationID, Message: entries[i]}
	s.mu.Unlock()

	s.emit(c)
	return true
}

// Discard removes a FAILED entry. Confirmed and in-flight entries are kept.
func (s *Store) Discard(conversationID, clientID string) bool {
	s.mu.Lock()
	entries := s.logs[conversationID]
	i := indexByClientID(entries, clientID)
	if i < 0 || entries[i].DeliveryState != model.Failed {
		s.mu.Unlock()
		return false
	}
	removed := entries[i]
	s.logs[conversationID] = slices.Delete(entries, i, i+1)
	s.mu.Unlock()

	s.emit(Change{Kind: Discarded, ConversationID: conversationID, Message: removed})
	return true
}

// Lookup returns the entry with the given client id.
func (s *Store) Lookup(conversationID, clientID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[conversationID]
	if i := indexByClientID(entries, clientID); i >= 0 {
		return entries[i], true
	}
	return model.Message{}, false
}

// List returns a snapshot of the conversation log in order.
func (s *Store) List(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs[conversationID])
}

// Messages iterates over a snapshot of the conversation log. The sequence
// can be ranged over any number of times.
func (s *Store) Messages(conversationID string) iter.Seq[model.Message] {
	snapshot := s.List(conversationID)
	return slices.Values(snapshot)
}

// Last returns the newest entry of the conversation.
func (s *Store) Last(conversationID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[conversationID]
	if len(entries) == 0 {
		return model.Message{}, false
	}
	return entries[len(entries)-1], true
}

func (s *Store) lookupByID(conversationID, id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[conversationID]
	if i := indexByID(entries, id); i >= 0 {
		return entries[i], true
	}
	return model.Message{}, false
}

// appendLocked must be called with mu held.
func (s *Store) appendLocked(conversationID string, msg model.Message) (Change, bool) {
	msg.ConversationID = conversationID
	if msg.DeliveryState == "" {
		if msg.Confirmed() {
			msg.DeliveryState = model.Sent
		} else {
			msg.DeliveryState = model.Pending
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if !msg.Confirmed() && msg.ClientID == "" {
		return Change{}, false
	}

	entries := s.logs[conversationID]
	if msg.Confirmed() && indexByID(entries, msg.ID) >= 0 {
		return Change{}, false
	}
	if msg.ClientID != "" {
		if i := indexByClientID(entries, msg.ClientID); i >= 0 {
			if msg.Confirmed() && !entries[i].Confirmed() {
				return s.reconcileLocked(conversationID, i, msg), true
			}
			return Change{}, false
		}
	}

	s.logs[conversationID] = insertSorted(entries, msg)
	return Change{Kind: Appended, ConversationID: conversationID, Message: msg}, true
}

// reconcileLocked overwrites entry i with the confirmed fields. If the
// confirmed id already landed as a separate entry, the local one is folded
// into it instead. Must be called with mu held.
func (s *Store) reconcileLocked(conversationID string, i int, confirmed model.Message) Change {
	entries := s.logs[conversationID]

	if j := indexByID(entries, confirmed.ID); j >= 0 && j != i {
		entries[j].ClientID = entries[i].ClientID
		entries[j].DeliveryState = model.Sent
		merged := entries[j]
		s.logs[conversationID] = slices.Delete(entries, i, i+1)
		return Change{Kind: Reconciled, ConversationID: conversationID, Message: merged}
	}

	e := entries[i]
	e.ID = confirmed.ID
	if !confirmed.CreatedAt.IsZero() {
		e.CreatedAt = confirmed.CreatedAt
	}
	if confirmed.SenderID != "" {
		e.SenderID = confirmed.SenderID
	}
	if confirmed.SenderRole != "" {
		e.SenderRole = confirmed.SenderRole
	}
	if confirmed.Body != "" {
		e.Body = confirmed.Body
	}
	e.DeliveryState = model.Sent
	e.Error = ""
	entries[i] = e

	if outOfOrder(entries, i) {
		entries = slices.Delete(entries, i, i+1)
		entries = insertSorted(entries, e)
	}
	s.logs[conversationID] = entries
	return Change{Kind: Reconciled, ConversationID: conversationID, Message: e}
}

func (s *Store) emit(c Change) {
	s.lmu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.lmu.RUnlock()

	for _, l := range listeners {
		l(c)
	}
	s.bus.Publish(bus.Event{Kind: busKinds[c.Kind], Payload: c})
}

// insertSorted places msg after every entry with CreatedAt <= msg.CreatedAt.
func insertSorted(entries []model.Message, msg model.Message) []model.Message {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(msg.CreatedAt)
	})
	return slices.Insert(entries, i, msg)
}

func outOfOrder(entries []model.Message, i int) bool {
	at := entries[i].CreatedAt
	if i > 0 && entries[i-1].CreatedAt.After(at) {
		return true
	}
	return i < len(entries)-1 && at.After(entries[i+1].CreatedAt)
}

func indexByID(entries []model.Message, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(entries, func(m model.Message) bool { return m.ID == id })
}

func indexByClientID(entries []model.Message, clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(entries, func(m model.Message) bool { return m.ClientID == clientID })
}
