package bus

import "time"

// Event kinds published by the chat core. Subscribers filter by prefix
// ("message.", "conversation.", "connection.").
const (
	MessageAppended   = "message.appended"
	MessageReconciled = "message.reconciled"
	MessageFailed     = "message.failed"
	MessageRetrying   = "message.retrying"
	MessageDiscarded  = "message.discarded"

	ConversationUpserted   = "conversation.upserted"
	ConversationRead       = "conversation.read"
	ConversationLoadFailed = "conversation.load_failed"
	ConversationSelected   = "conversation.selected"

	ConnectionStatusChanged = "connection.status_changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
