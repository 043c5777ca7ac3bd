package api

import (
	"time"

	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/status"
)

// Conversation is the wire form of model.Conversation.
type Conversation struct {
	ID            string    `json:"id"`
	CounterpartID string    `json:"counterpart_id,omitempty"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Preview       string    `json:"preview,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

// Message is the wire form of model.Message.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderRole     string    `json:"sender_role,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
}

// Empty is used by calls without arguments or results.
type Empty struct{}

type StatusResponse struct {
	Profile            string `json:"profile"`
	ActiveConversation string `json:"active_conversation,omitempty"`
	Connection         string `json:"connection"`
	Conversations      int    `json:"conversations"`
	Notice             string `json:"notice,omitempty"`
	UptimeMs           int64  `json:"uptime_ms"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Notice        string         `json:"notice,omitempty"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Connection   string       `json:"connection"`
	Error        string       `json:"error,omitempty"`
}

type MessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// SendRequest sends Body to ConversationID, selecting it first when it is
// not the active conversation. With Wait unset the call returns as soon as
// the message is PENDING.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	Wait           bool   `json:"wait,omitempty"`
}

type MessageRequest struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
}

type MessageResponse struct {
	Message Message `json:"message"`
}

type WatchRequest struct {
	// Namespace filters events by kind prefix, "" for all.
	Namespace      string `json:"namespace,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// EventEnvelope carries one bus event to a watcher. Exactly one of the
// payload fields is set, depending on Kind.
type EventEnvelope struct {
	EventID          string        `json:"event_id"`
	OccurredAtUnixMs int64         `json:"occurred_at_unix_ms"`
	Kind             string        `json:"kind"`
	PayloadVersion   int           `json:"payload_version"`
	ConversationID   string        `json:"conversation_id,omitempty"`
	Message          *Message      `json:"message,omitempty"`
	Conversation     *Conversation `json:"conversation,omitempty"`
	Status           *StatusChange `json:"status,omitempty"`
	Text             string        `json:"text,omitempty"`
}

type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func conversationFromModel(c model.Conversation) Conversation {
	return Conversation{
		ID:            c.ID,
		CounterpartID: c.CounterpartID,
		Name:          c.CounterpartDisplayName,
		AvatarURL:     c.CounterpartAvatarURL,
		Preview:       c.LastMessagePreview,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadCount,
	}
}

func messageFromModel(m model.Message) Message {
	return Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		State:          string(m.DeliveryState),
		Error:          m.Error,
	}
}

func statusChangeFromModel(c status.StatusChange) *StatusChange {
	return &StatusChange{From: string(c.From), To: string(c.To)}
}
