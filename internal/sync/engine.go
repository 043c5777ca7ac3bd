// Package sync mirrors the in-memory chat state into the local SQLite
// database and restores it on startup.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/store"
)

// ActiveConversationKey is the sync_state key of the last selected conversation.
const ActiveConversationKey = "active_conversation"

// Engine writes message and conversation events from the bus to the store.
// The mirror is best effort: a slow disk makes the bus drop events rather
// than stall the chat.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to message and conversation events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := e.bus.Subscribe("message.", 1024)
	convs, unsubConvs := e.bus.Subscribe("conversation.", 256)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		defer unsubMsgs()
		defer unsubConvs()
		for {
			select {
			case evt := <-msgs:
				e.handleEvent(evt)
			case evt := <-convs:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	if err := e.Apply(evt); err != nil {
		e.logger.Error("failed to mirror event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// Apply writes one event to the store. Unknown kinds are ignored.
func (e *Engine) Apply(evt bus.Event) error {
	switch evt.Kind {
	case bus.MessageAppended, bus.MessageReconciled, bus.MessageFailed, bus.MessageRetrying:
		ch, ok := evt.Payload.(msgstore.Change)
		if !ok {
			return nil
		}
		if err := e.db.UpsertMessage(ch.Message); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
	case bus.MessageDiscarded:
		ch, ok := evt.Payload.(msgstore.Change)
		if !ok {
			return nil
		}
		if err := e.db.DeleteMessage(ch.ConversationID, ch.Message.Key()); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	case bus.ConversationUpserted, bus.ConversationRead:
		c, ok := evt.Payload.(model.Conversation)
		if !ok {
			return nil
		}
		if err := e.db.UpsertConversation(c); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
	case bus.ConversationSelected:
		id, ok := evt.Payload.(string)
		if !ok {
			return nil
		}
		if err := e.db.SetState(ActiveConversationKey, id); err != nil {
			return fmt.Errorf("save active conversation: %w", err)
		}
	}
	return nil
}
