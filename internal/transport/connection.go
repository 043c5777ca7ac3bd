// Package transport maintains the live channel of one conversation over a
// pluggable backend (WebSocket, SSE, or WebSocket falling back to SSE).
//
// A Connection follows IDLE -> CONNECTING -> OPEN -> RECONNECTING ->
// CONNECTING ... and reaches CLOSED only through Close. Every deferred action
// (reconnect timer, read loop, dial result) carries the generation captured
// when the connection was opened and is dropped once Close has bumped it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/clock"
	"github.com/referly/leadchat/internal/credential"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/status"
	"github.com/referly/leadchat/internal/wire"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// EventKind is the kind of an inbound event.
type EventKind string

const (
	EventMessage EventKind = wire.TypeMessage
	EventHistory EventKind = wire.TypeHistory
)

// Event is a parsed inbound event.
type Event struct {
	Kind           EventKind
	ConversationID string
	Messages       []model.Message
}

// Handler receives inbound events in socket order. It must not call Close.
type Handler func(Event)

// Config configures a Connection.
type Config struct {
	ConversationID string
	Backend        Backend
	Credentials    credential.Provider
	Clock          clock.Clock
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Bus            *bus.Bus
	Logger         *zap.Logger
}

// Connection is the transport of a single conversation.
type Connection struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger

	mu       sync.Mutex
	gen      uint64
	stream   Stream
	cancel   context.CancelFunc
	timer    *clock.Timer
	handlers []Handler

	// dispatchMu serializes handler calls with Close so no handler runs
	// after Close returns.
	dispatchMu sync.Mutex
}

// New creates an IDLE connection.
func New(cfg Config) *Connection {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:     cfg,
		machine: status.NewMachine(cfg.Bus, cfg.ConversationID),
		logger:  logger.With(zap.String("conversation_id", cfg.ConversationID), zap.String("backend", cfg.Backend.Name())),
	}
}

// ConversationID returns the conversation this connection is bound to.
func (c *Connection) ConversationID() string { return c.cfg.ConversationID }

// State returns the current connection state.
func (c *Connection) State() status.State { return c.machine.Current() }

// OnMessage registers a handler for inbound events.
func (c *Connection) OnMessage(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Open starts connecting. It returns once the connection is CONNECTING; the
// dial completes in the background. A missing credential is terminal: the
// connection is closed and the error returned.
func (c *Connection) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token, err := c.cfg.Credentials.Credential()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.machine.Current() {
	case status.Closed:
		return &Error{ConversationID: c.cfg.ConversationID, Op: "open", Err: ErrClosed}
	case status.Idle:
	default:
		return nil
	}
	if err != nil {
		c.gen++
		c.setState(status.Closed)
		c.logger.Error("cannot open transport", zap.Error(err))
		return &Error{ConversationID: c.cfg.ConversationID, Op: "open", Err: err}
	}

	c.gen++
	g := c.gen
	c.setState(status.Connecting)
	go c.connect(g, token)
	return nil
}

// Send writes an outbound message. Only valid while OPEN.
func (c *Connection) Send(ctx context.Context, out wire.Outbound) error {
	c.mu.Lock()
	stream := c.stream
	state := c.machine.Current()
	c.mu.Unlock()

	if state != status.Open || stream == nil {
		return &Error{ConversationID: c.cfg.ConversationID, Op: "send", Err: ErrNotOpen}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := stream.Write(ctx, wire.Frame{Type: wire.TypeSend, Data: data}); err != nil {
		return &Error{ConversationID: c.cfg.ConversationID, Op: "send", Err: err}
	}
	return nil
}

// Close tears the connection down from any state and cancels a pending
// reconnect. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.machine.Current() == status.Closed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.timer.Stop()
	c.timer = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	stream := c.stream
	c.stream = nil
	c.setState(status.Closed)
	c.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	// Wait for an in-flight handler to return.
	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()

	c.logger.Info("transport closed")
	return err
}

func (c *Connection) connect(g uint64, token string) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()

	timeout := c.cfg.Clock.AfterFunc(c.cfg.ConnectTimeout, cancel)
	stream, err := c.cfg.Backend.Dial(ctx, c.cfg.ConversationID, token)
	timedOut := !timeout.Stop() && err != nil

	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		if timedOut {
			err = context.DeadlineExceeded
		}
		c.scheduleReconnectLocked(g, &Error{ConversationID: c.cfg.ConversationID, Op: "dial", Err: err})
		c.mu.Unlock()
		return
	}
	c.stream = stream
	c.setState(status.Open)
	c.mu.Unlock()

	c.logger.Info("transport open")
	c.readLoop(ctx, g, stream)
}

func (c *Connection) readLoop(ctx context.Context, g uint64, stream Stream) {
	for {
		f, err := stream.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if c.gen == g {
				c.stream = nil
				c.scheduleReconnectLocked(g, &Error{ConversationID: c.cfg.ConversationID, Op: "read", Err: err})
			}
			c.mu.Unlock()
			_ = stream.Close()
			return
		}

		evt, ok := c.decode(f)
		if !ok {
			continue
		}
		if !c.dispatch(g, evt) {
			return
		}
	}
}

func (c *Connection) decode(f wire.Frame) (Event, bool) {
	switch f.Type {
	case wire.TypeMessage, wire.TypeHistory:
	default:
		c.logger.Debug("ignoring frame", zap.String("type", f.Type))
		return Event{}, false
	}
	msgs, err := wire.DecodeMessages(f)
	if err != nil {
		c.logger.Warn("malformed frame", zap.String("type", f.Type), zap.Error(err))
		return Event{}, false
	}
	evt := Event{Kind: EventKind(f.Type), ConversationID: c.cfg.ConversationID}
	for _, m := range msgs {
		evt.Messages = append(evt.Messages, m.ToModel(c.cfg.ConversationID))
	}
	return evt, true
}

// dispatch delivers evt if generation g is still current. Returns false when stale.
func (c *Connection) dispatch(g uint64, evt Event) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	live := c.gen == g
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	if !live {
		return false
	}
	for _, h := range handlers {
		h(evt)
	}
	return true
}

// scheduleReconnectLocked must be called with mu held and gen == g.
func (c *Connection) scheduleReconnectLocked(g uint64, cause error) {
	c.logger.Warn("transport failed, reconnecting",
		zap.Duration("delay", c.cfg.ReconnectDelay), zap.Error(cause))
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.setState(status.Reconnecting)
	c.timer = c.cfg.Clock.AfterFunc(c.cfg.ReconnectDelay, func() { c.reconnect(g) })
}

func (c *Connection) reconnect(g uint64) {
	token, err := c.cfg.Credentials.Credential()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != g {
		return
	}
	c.timer = nil
	if err != nil {
		c.gen++
		c.setState(status.Closed)
		c.logger.Error("credential unavailable, giving up", zap.Error(err))
		return
	}
	c.setState(status.Connecting)
	go c.connect(g, token)
}

func (c *Connection) setState(s status.State) {
	if err := c.machine.Transition(s); err != nil {
		c.logger.Debug("state transition rejected", zap.Error(err))
	}
}

// IsTerminal reports whether err ends the connection attempt for good.
func IsTerminal(err error) bool {
	return credential.IsMissing(err) || errors.Is(err, ErrClosed)
}
