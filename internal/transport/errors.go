package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by Send outside the OPEN state. Sends are never
	// queued while connecting; the caller falls back to REST.
	ErrNotOpen = errors.New("transport not open")
	// ErrClosed is returned by Open on a connection that was closed.
	ErrClosed = errors.New("transport closed")
	// ErrSendUnsupported is returned by receive-only streams.
	ErrSendUnsupported = errors.New("transport does not support sending")
)

// Error is a transport failure for one conversation.
type Error struct {
	ConversationID string
	Op             string
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
