package sync

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/registry"
	"github.com/referly/leadchat/internal/store"
)

// InterruptedReason is the error attached to sends a previous process left
// unfinished.
const InterruptedReason = "send interrupted by daemon restart"

// DefaultRestoreLimit is how many messages per conversation are restored.
const DefaultRestoreLimit = 200

// Reconciler restores the persisted mirror into a fresh chat core.
type Reconciler struct {
	db       *store.DB
	registry *registry.Registry
	store    *msgstore.Store
	identity model.Identity
	limit    int
	logger   *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, reg *registry.Registry, ms *msgstore.Store, identity model.Identity, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:       db,
		registry: reg,
		store:    ms,
		identity: identity,
		limit:    DefaultRestoreLimit,
		logger:   logger,
	}
}

// RestoreResult summarizes a Restore run.
type RestoreResult struct {
	Conversations int
	Messages      int
	Interrupted   int
	// Recovered counts FAILED sends that only the outbox still knew about.
	Recovered int
}

// Restore loads conversations and recent messages into memory. Sends that
// never finished are surfaced as FAILED so the user can retry or discard
// them.
func (r *Reconciler) Restore() (*RestoreResult, error) {
	convs, err := r.db.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	r.registry.Restore(convs)

	res := &RestoreResult{Conversations: len(convs)}
	for _, c := range convs {
		msgs, err := r.db.ListMessages(c.ID, r.limit)
		if err != nil {
			return nil, fmt.Errorf("list messages %s: %w", c.ID, err)
		}
		res.Messages += r.store.AppendBatch(c.ID, msgs)
		for _, m := range msgs {
			if !m.Confirmed() && m.DeliveryState != model.Failed {
				if r.interrupt(c.ID, m.ClientID) {
					res.Interrupted++
				}
			}
		}
	}

	entries, err := r.db.UnfinishedOutbox()
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	for _, e := range entries {
		if m, ok := r.store.Lookup(e.ConversationID, e.ClientID); ok {
			if m.Confirmed() {
				if err := r.db.MarkOutboxSent(e.ClientID, m.ID); err != nil {
					return nil, fmt.Errorf("mark outbox sent: %w", err)
				}
				continue
			}
			if m.DeliveryState != model.Failed && r.interrupt(e.ConversationID, e.ClientID) {
				res.Interrupted++
			}
		} else {
			r.surface(e, InterruptedReason)
			res.Interrupted++
		}
		if err := r.db.MarkOutboxFailed(e.ClientID, InterruptedReason); err != nil {
			return nil, fmt.Errorf("mark outbox failed: %w", err)
		}
	}

	// Failed sends older than the restore window, or whose message row the
	// mirror never got, would otherwise vanish without a retry or discard.
	failed, err := r.db.FailedOutbox()
	if err != nil {
		return nil, fmt.Errorf("list failed outbox: %w", err)
	}
	for _, e := range failed {
		if _, ok := r.store.Lookup(e.ConversationID, e.ClientID); ok {
			continue
		}
		reason := e.ErrorMessage
		if reason == "" {
			reason = InterruptedReason
		}
		r.surface(e, reason)
		res.Recovered++
	}

	r.logger.Info("mirror restored",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages),
		zap.Int("interrupted", res.Interrupted),
		zap.Int("recovered", res.Recovered))
	return res, nil
}

// surface shows an outbox entry as a FAILED message from the local party.
func (r *Reconciler) surface(e store.OutboxEntry, reason string) {
	r.store.Append(e.ConversationID, model.Message{
		ClientID:       e.ClientID,
		ConversationID: e.ConversationID,
		SenderID:       r.identity.UserID,
		SenderRole:     r.identity.Role,
		Body:           e.Body,
		CreatedAt:      e.CreatedAt,
		DeliveryState:  model.Failed,
		Error:          reason,
	})
}

func (r *Reconciler) interrupt(conversationID, clientID string) bool {
	if clientID == "" {
		return false
	}
	return r.store.MarkFailed(conversationID, clientID, InterruptedReason)
}

// ActiveConversation returns the conversation selected before the last
// shutdown, "" if none.
func (r *Reconciler) ActiveConversation() (string, error) {
	return r.db.GetState(ActiveConversationKey)
}
