// Package wire holds the JSON shapes shared by the transport backends and the
// REST collaborator.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/referly/leadchat/internal/model"
)

// Frame types.
const (
	TypeMessage = "message"
	TypeHistory = "history"
	TypeSend    = "send"
)

// ID is an opaque identifier that the server may encode as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Frame is the envelope of every transport event: {"type": ..., "data": ...}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a chat message as the server serializes it.
type Message struct {
	ID             ID         `json:"id,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID ID         `json:"conversation_id,omitempty"`
	SenderID       ID         `json:"sender_id,omitempty"`
	SenderRole     model.Role `json:"sender_role,omitempty"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ToModel converts a server message into a confirmed store entry.
func (m Message) ToModel(conversationID string) model.Message {
	if conversationID == "" {
		conversationID = string(m.ConversationID)
	}
	return model.Message{
		ID:             string(m.ID),
		ClientID:       m.ClientID,
		ConversationID: conversationID,
		SenderID:       string(m.SenderID),
		SenderRole:     m.SenderRole,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}

// FromModel converts a store entry to its wire form.
func FromModel(m model.Message) Message {
	return Message{
		ID:             ID(m.ID),
		ClientID:       m.ClientID,
		ConversationID: ID(m.ConversationID),
		SenderID:       ID(m.SenderID),
		SenderRole:     m.SenderRole,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}

// Outbound is the payload of a "send" frame.
type Outbound struct {
	ClientID string `json:"client_id"`
	Body     string `json:"body"`
}

// DecodeMessages decodes the data of a message or history frame. Message
// frames carry one object; history frames carry an array or {"messages": [...]}.
func DecodeMessages(f Frame) ([]Message, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	switch data[0] {
	case '[':
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	case '{':
		if f.Type == TypeHistory {
			var wrapped struct {
				Messages []Message `json:"messages"`
			}
			if err := json.Unmarshal(data, &wrapped); err != nil {
				return nil, err
			}
			return wrapped.Messages, nil
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return []Message{m}, nil
	}
	return nil, fmt.Errorf("decode %s frame: unexpected data %.20q", f.Type, data)
}
