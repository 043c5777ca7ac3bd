// Package outbox implements optimistic sending: a message is shown as
// PENDING immediately, sent over the live transport when it is open, and
// confirmed either by its echo or by the REST fallback. A send always ends
// SENT or FAILED.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/clock"
	"github.com/referly/leadchat/internal/leads"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/status"
	"github.com/referly/leadchat/internal/wire"
)

const DefaultEchoTimeout = 5 * time.Second

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrUnknownMessage = errors.New("no such message")
	ErrNotFailed      = errors.New("message is not in FAILED state")
)

// Transport is the live channel, as owned by the connection manager.
type Transport interface {
	StateOf(conversationID string) status.State
	Send(ctx context.Context, conversationID string, out wire.Outbound) error
}

// RESTSender is the record service's send endpoint.
type RESTSender interface {
	SendMessage(ctx context.Context, req leads.SendRequest) (model.Message, error)
}

// Journal persists outbox rows so an interrupted send can be surfaced as
// FAILED after a restart. Optional.
type Journal interface {
	QueueOutbox(clientID, conversationID, body string, createdAt time.Time) error
	MarkOutboxSent(clientID, serverID string) error
	MarkOutboxFailed(clientID, reason string) error
	DeleteOutbox(clientID string) error
}

// SendFailedError is returned when neither the transport nor the REST
// fallback confirmed a message. The message is left FAILED in the store.
type SendFailedError struct {
	ConversationID string
	ClientID       string
	Err            error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send %s in %s failed: %v", e.ClientID, e.ConversationID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// IsSendFailed reports whether err is a SendFailedError.
func IsSendFailed(err error) bool {
	var sf *SendFailedError
	return errors.As(err, &sf)
}

// Config tunes the coordinator.
type Config struct {
	Identity    model.Identity
	EchoTimeout time.Duration
	Clock       clock.Clock
	Journal     Journal
	Logger      *zap.Logger
}

// Coordinator runs optimistic sends.
type Coordinator struct {
	store     *msgstore.Store
	transport Transport
	rest      RESTSender
	journal   Journal
	identity  model.Identity
	clock     clock.Clock
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan model.Message

	unsub func()
}

// New creates a coordinator and subscribes it to store reconciliations.
func New(store *msgstore.Store, t Transport, rest RESTSender, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = DefaultEchoTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Coordinator{
		store:     store,
		transport: t,
		rest:      rest,
		journal:   cfg.Journal,
		identity:  cfg.Identity,
		clock:     cfg.Clock,
		timeout:   cfg.EchoTimeout,
		logger:    cfg.Logger,
		waiters:   make(map[string]chan model.Message),
	}
	c.unsub = store.Subscribe(c.onChange)
	return c
}

// Close detaches the coordinator from the store.
func (c *Coordinator) Close() {
	c.unsub()
}

// Send composes a message, shows it PENDING and delivers it. It returns the
// confirmed message, or a SendFailedError after the message was marked FAILED.
func (c *Coordinator) Send(ctx context.Context, conversationID, body string) (model.Message, error) {
	pending, err := c.Compose(conversationID, body)
	if err != nil {
		return model.Message{}, err
	}
	return c.Deliver(ctx, conversationID, pending.ClientID)
}

// Compose appends the PENDING entry without delivering it. Callers that
// want to return before confirmation pair it with Deliver.
func (c *Coordinator) Compose(conversationID, body string) (model.Message, error) {
	if strings.TrimSpace(body) == "" {
		return model.Message{}, ErrEmptyBody
	}
	msg := model.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       c.identity.UserID,
		SenderRole:     c.identity.Role,
		Body:           body,
		CreatedAt:      c.clock.Now(),
		DeliveryState:  model.Pending,
	}
	c.store.Append(conversationID, msg)
	if c.journal != nil {
		if err := c.journal.QueueOutbox(msg.ClientID, conversationID, body, msg.CreatedAt); err != nil {
			c.logger.Error("failed to journal outbox entry", zap.String("client_id", msg.ClientID), zap.Error(err))
		}
	}
	return msg, nil
}

// Deliver confirms the PENDING entry clientID through the transport or REST.
func (c *Coordinator) Deliver(ctx context.Context, conversationID, clientID string) (model.Message, error) {
	msg, ok := c.store.Lookup(conversationID, clientID)
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	if msg.Confirmed() {
		return msg, nil
	}

	wait := c.register(clientID)
	defer c.unregister(clientID)

	logger := c.logger.With(zap.String("conversation_id", conversationID), zap.String("client_id", clientID))

	if c.transport != nil && c.transport.StateOf(conversationID) == status.Open {
		err := c.transport.Send(ctx, conversationID, wire.Outbound{ClientID: clientID, Body: msg.Body})
		if err == nil {
			select {
			case confirmed := <-wait:
				logger.Debug("confirmed by echo", zap.String("id", confirmed.ID))
				return confirmed, nil
			case <-c.clock.After(c.timeout):
				logger.Warn("echo timeout, falling back to REST", zap.Duration("timeout", c.timeout))
			case <-ctx.Done():
				return c.fail(conversationID, clientID, ctx.Err())
			}
		} else {
			logger.Warn("transport send failed, falling back to REST", zap.Error(err))
		}
	}

	// The echo may have landed while we were deciding.
	if m, ok := c.store.Lookup(conversationID, clientID); ok && m.Confirmed() {
		return m, nil
	}
	if c.rest == nil {
		return c.fail(conversationID, clientID, errors.New("no REST fallback configured"))
	}

	confirmed, err := c.rest.SendMessage(ctx, leads.SendRequest{
		ConversationID: conversationID,
		ClientID:       clientID,
		Body:           msg.Body,
	})
	if err != nil {
		return c.fail(conversationID, clientID, err)
	}

	m, _ := c.store.Reconcile(conversationID, clientID, confirmed)
	logger.Info("confirmed by REST", zap.String("id", m.ID))
	return m, nil
}

// Retry re-delivers a FAILED message under its original client id so the
// server can deduplicate it.
func (c *Coordinator) Retry(ctx context.Context, conversationID, clientID string) (model.Message, error) {
	msg, ok := c.store.Lookup(conversationID, clientID)
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	if msg.Confirmed() {
		return msg, nil
	}
	if !c.store.MarkRetrying(conversationID, clientID) {
		return model.Message{}, ErrNotFailed
	}
	if c.journal != nil {
		if err := c.journal.QueueOutbox(clientID, conversationID, msg.Body, msg.CreatedAt); err != nil {
			c.logger.Error("failed to journal retry", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return c.Deliver(ctx, conversationID, clientID)
}

// Discard drops a FAILED message.
func (c *Coordinator) Discard(conversationID, clientID string) error {
	if _, ok := c.store.Lookup(conversationID, clientID); !ok {
		return ErrUnknownMessage
	}
	if !c.store.Discard(conversationID, clientID) {
		return ErrNotFailed
	}
	if c.journal != nil {
		if err := c.journal.DeleteOutbox(clientID); err != nil {
			c.logger.Error("failed to delete outbox entry", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) fail(conversationID, clientID string, cause error) (model.Message, error) {
	c.store.MarkFailed(conversationID, clientID, cause.Error())
	if m, ok := c.store.Lookup(conversationID, clientID); ok && m.Confirmed() {
		return m, nil
	}
	if c.journal != nil {
		if err := c.journal.MarkOutboxFailed(clientID, cause.Error()); err != nil {
			c.logger.Error("failed to journal failure", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	c.logger.Error("send failed",
		zap.String("conversation_id", conversationID),
		zap.String("client_id", clientID),
		zap.Error(cause))
	return model.Message{}, &SendFailedError{ConversationID: conversationID, ClientID: clientID, Err: cause}
}

func (c *Coordinator) register(clientID string) chan model.Message {
	ch := make(chan model.Message, 1)
	c.mu.Lock()
	c.waiters[clientID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) unregister(clientID string) {
	c.mu.Lock()
	delete(c.waiters, clientID)
	c.mu.Unlock()
}

// onChange runs synchronously for every store mutation.
func (c *Coordinator) onChange(ch msgstore.Change) {
	if ch.Kind != msgstore.Reconciled || ch.Message.ClientID == "" {
		return
	}
	clientID := ch.Message.ClientID

	if c.journal != nil {
		if err := c.journal.MarkOutboxSent(clientID, ch.Message.ID); err != nil {
			c.logger.Error("failed to journal confirmation", zap.String("client_id", clientID), zap.Error(err))
		}
	}

	c.mu.Lock()
	w, ok := c.waiters[clientID]
	c.mu.Unlock()
	if ok {
		select {
		case w <- ch.Message:
		default:
		}
	}
}
