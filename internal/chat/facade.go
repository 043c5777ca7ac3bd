// Package chat is the single surface the UI (here, the daemon API) talks
// to. It composes the message store, the conversation registry, the
// connection manager and the send coordinator.
package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/connection"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/outbox"
	"github.com/referly/leadchat/internal/registry"
	"github.com/referly/leadchat/internal/status"
	"github.com/referly/leadchat/internal/transport"
)

var (
	ErrNoActiveConversation = errors.New("no conversation selected")
	ErrClosed               = errors.New("chat closed")
)

// ReadReceipts is the server-side read marker, when the record service has one.
type ReadReceipts interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Deps are the components the facade composes.
type Deps struct {
	Store    *msgstore.Store
	Registry *registry.Registry
	Manager  *connection.Manager
	Outbox   *outbox.Coordinator
	// Receipts is nil when the record service has no read endpoint.
	Receipts ReadReceipts
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// SendResult is the outcome of an asynchronous send.
type SendResult struct {
	Message model.Message
	Err     error
}

// Facade is the chat API.
type Facade struct {
	store    *msgstore.Store
	registry *registry.Registry
	manager  *connection.Manager
	outbox   *outbox.Coordinator
	receipts ReadReceipts
	bus      *bus.Bus
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	selected string
	closed   bool
}

// New wires the components together.
func New(d Deps) *Facade {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		store:    d.Store,
		registry: d.Registry,
		manager:  d.Manager,
		outbox:   d.Outbox,
		receipts: d.Receipts,
		bus:      d.Bus,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.Manager.OnEvent(func(evt transport.Event) {
		f.registry.UpsertFromEvent(evt)
	})
	return f
}

// Load fetches the conversation list. On failure the stale list is returned
// along with a registry.ListLoadError.
func (f *Facade) Load(ctx context.Context) ([]model.Conversation, error) {
	return f.registry.Load(ctx)
}

// Conversations returns the conversation list.
func (f *Facade) Conversations() []model.Conversation {
	return f.registry.List()
}

// Conversation returns one conversation.
func (f *Facade) Conversation(id string) (model.Conversation, bool) {
	return f.registry.Get(id)
}

// ActiveConversation returns the selected conversation id.
func (f *Facade) ActiveConversation() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.selected
}

// ActiveMessages returns the message log of the selected conversation.
func (f *Facade) ActiveMessages() []model.Message {
	id := f.ActiveConversation()
	if id == "" {
		return nil
	}
	return f.store.List(id)
}

// Messages returns the message log of any conversation.
func (f *Facade) Messages(conversationID string) []model.Message {
	return f.store.List(conversationID)
}

// ConnectionStatus returns the state of the selected conversation's transport.
func (f *Facade) ConnectionStatus() status.State {
	id := f.ActiveConversation()
	if id == "" {
		return status.Idle
	}
	return f.manager.StateOf(id)
}

// SelectConversation makes id the active conversation, connects to it and
// marks it read. A connect failure such as a missing credential is returned;
// the selection stays so the UI can show the conversation offline.
func (f *Facade) SelectConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.selected = id
	f.mu.Unlock()

	f.registry.SetActive(id)
	f.bus.Publish(bus.Event{Kind: bus.ConversationSelected, Payload: id})
	err := f.manager.SwitchTo(ctx, id)
	if err != nil {
		f.logger.Error("cannot connect conversation", zap.String("conversation_id", id), zap.Error(err))
	}
	if rerr := f.MarkRead(ctx, id); rerr != nil {
		f.logger.Warn("read receipt failed", zap.String("conversation_id", id), zap.Error(rerr))
	}
	return err
}

// Send sends body to the selected conversation and waits for confirmation.
func (f *Facade) Send(ctx context.Context, body string) (model.Message, error) {
	return f.SendTo(ctx, f.ActiveConversation(), body)
}

// SendTo sends body to conversationID and waits for confirmation. The
// conversation need not be selected; without a live transport the REST
// fallback delivers it.
func (f *Facade) SendTo(ctx context.Context, conversationID, body string) (model.Message, error) {
	if err := f.acquire(conversationID); err != nil {
		return model.Message{}, err
	}
	defer f.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()
	return f.outbox.Send(ctx, conversationID, body)
}

// SendAsync shows the message PENDING in the selected conversation and
// returns at once. The channel yields the outcome once the message is SENT
// or FAILED.
func (f *Facade) SendAsync(body string) (model.Message, <-chan SendResult, error) {
	return f.SendAsyncTo(f.ActiveConversation(), body)
}

// SendAsyncTo is SendAsync for an explicit conversation.
func (f *Facade) SendAsyncTo(conversationID, body string) (model.Message, <-chan SendResult, error) {
	if err := f.acquire(conversationID); err != nil {
		return model.Message{}, nil, err
	}

	pending, err := f.outbox.Compose(conversationID, body)
	if err != nil {
		f.wg.Done()
		return model.Message{}, nil, err
	}

	done := make(chan SendResult, 1)
	go func() {
		defer f.wg.Done()
		m, err := f.outbox.Deliver(f.ctx, conversationID, pending.ClientID)
		done <- SendResult{Message: m, Err: err}
	}()
	return pending, done, nil
}

// acquire registers a send with the close barrier. The caller must call
// f.wg.Done once the send settles.
func (f *Facade) acquire(conversationID string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	if conversationID == "" {
		return ErrNoActiveConversation
	}
	f.wg.Add(1)
	return nil
}

// Retry re-sends a FAILED message.
func (f *Facade) Retry(ctx context.Context, conversationID, clientID string) (model.Message, error) {
	return f.outbox.Retry(ctx, conversationID, clientID)
}

// Discard drops a FAILED message.
func (f *Facade) Discard(conversationID, clientID string) error {
	return f.outbox.Discard(conversationID, clientID)
}

// MarkRead zeroes the unread count locally, then sends the server read
// receipt if supported. A receipt failure is returned but the local count
// stays zero.
func (f *Facade) MarkRead(ctx context.Context, id string) error {
	f.registry.MarkRead(id)
	if f.receipts == nil {
		return nil
	}
	return f.receipts.MarkRead(ctx, id)
}

// Watch subscribes to chat events whose kind starts with namespace.
func (f *Facade) Watch(namespace string, buffer int) (<-chan bus.Event, func()) {
	return f.bus.Subscribe(namespace, buffer)
}

// Notice returns the pending dismissible notice, if any.
func (f *Facade) Notice() error {
	return f.registry.Notice()
}

// DismissNotice clears the notice.
func (f *Facade) DismissNotice() {
	f.registry.DismissNotice()
}

// Close disconnects and waits for asynchronous sends to settle. In-flight
// sends are failed rather than left PENDING.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.manager.Close()
	f.cancel()
	f.wg.Wait()
	return err
}
