package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/referly/leadchat/internal/bus"
)

// State is the lifecycle state of a transport connection.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// Live reports whether a connection in state s holds, or is acquiring, a socket.
func (s State) Live() bool {
	return s == Connecting || s == Open || s == Reconnecting
}

// validTransitions defines allowed state transitions. CLOSED is terminal.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Closed},
	Open:         {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces the state transitions of one connection.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
}

// NewMachine creates a machine in IDLE for the given conversation.
func NewMachine(b *bus.Bus, conversationID string) *Machine {
	return &Machine{
		current:        Idle,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. Returns an error if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.ConnectionStatusChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			ConversationID: m.conversationID,
			From:           from,
			To:             to,
		},
	})
	return nil
}

// StatusChange is the payload of connection.status_changed events.
type StatusChange struct {
	ConversationID string
	From           State
	To             State
}
