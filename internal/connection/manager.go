// Package connection owns the single live transport of the process and
// routes its events into the message store.
package connection

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/clock"
	"github.com/referly/leadchat/internal/credential"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/status"
	"github.com/referly/leadchat/internal/transport"
	"github.com/referly/leadchat/internal/wire"
)

// Config holds what every connection the manager creates needs.
type Config struct {
	Backend        transport.Backend
	Credentials    credential.Provider
	Clock          clock.Clock
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Bus            *bus.Bus
	Logger         *zap.Logger
}

// Manager holds at most one active connection. Switching conversations
// closes the previous connection before the next one starts connecting.
type Manager struct {
	cfg    Config
	store  *msgstore.Store
	logger *zap.Logger

	// mu serializes SwitchTo and Close. Readers use active directly.
	mu     sync.Mutex
	active atomic.Pointer[transport.Connection]

	obsMu     sync.RWMutex
	observers []transport.Handler
}

// New creates a manager that feeds store.
func New(cfg Config, store *msgstore.Store) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, store: store, logger: logger}
}

// OnEvent registers an observer called after each event has been applied to the store.
func (m *Manager) OnEvent(h transport.Handler) {
	m.obsMu.Lock()
	m.observers = append(m.observers, h)
	m.obsMu.Unlock()
}

// SwitchTo makes conversationID the active conversation. Switching to the
// conversation that is already live is a no-op. An open failure (such as a
// missing credential) is returned and not retried.
func (m *Manager) SwitchTo(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("switch: empty conversation id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.active.Load(); cur != nil {
		if cur.ConversationID() == conversationID && cur.State().Live() {
			return nil
		}
		m.active.Store(nil)
		if err := cur.Close(); err != nil {
			m.logger.Debug("close previous transport", zap.String("conversation_id", cur.ConversationID()), zap.Error(err))
		}
	}

	conn := transport.New(transport.Config{
		ConversationID: conversationID,
		Backend:        m.cfg.Backend,
		Credentials:    m.cfg.Credentials,
		Clock:          m.cfg.Clock,
		ReconnectDelay: m.cfg.ReconnectDelay,
		ConnectTimeout: m.cfg.ConnectTimeout,
		Bus:            m.cfg.Bus,
		Logger:         m.logger,
	})
	conn.OnMessage(m.route)

	if err := conn.Open(ctx); err != nil {
		if transport.IsTerminal(err) {
			m.logger.Error("conversation cannot connect until reselected",
				zap.String("conversation_id", conversationID), zap.Error(err))
		} else {
			m.logger.Warn("open aborted", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return err
	}
	m.active.Store(conn)
	m.logger.Info("switched conversation", zap.String("conversation_id", conversationID))
	return nil
}

// Send writes out on the live transport of conversationID.
func (m *Manager) Send(ctx context.Context, conversationID string, out wire.Outbound) error {
	conn := m.active.Load()
	if conn == nil || conn.ConversationID() != conversationID {
		return &transport.Error{ConversationID: conversationID, Op: "send", Err: transport.ErrNotOpen}
	}
	return conn.Send(ctx, out)
}

// State returns the state of the active connection, IDLE if there is none.
func (m *Manager) State() status.State {
	if conn := m.active.Load(); conn != nil {
		return conn.State()
	}
	return status.Idle
}

// StateOf returns the state of the connection for conversationID, CLOSED
// if it is not the active one.
func (m *Manager) StateOf(conversationID string) status.State {
	conn := m.active.Load()
	if conn == nil || conn.ConversationID() != conversationID {
		return status.Closed
	}
	return conn.State()
}

// Active returns the conversation id of the active connection.
func (m *Manager) Active() string {
	if conn := m.active.Load(); conn != nil {
		return conn.ConversationID()
	}
	return ""
}

// Close tears down the active connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.active.Swap(nil)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (m *Manager) route(evt transport.Event) {
	switch evt.Kind {
	case transport.EventHistory:
		n := m.store.AppendBatch(evt.ConversationID, evt.Messages)
		m.logger.Debug("history applied",
			zap.String("conversation_id", evt.ConversationID),
			zap.Int("received", len(evt.Messages)),
			zap.Int("new", n))
	case transport.EventMessage:
		for _, msg := range evt.Messages {
			m.store.Append(evt.ConversationID, msg)
		}
	}

	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, h := range observers {
		h(evt)
	}
}
