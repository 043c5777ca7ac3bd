package model

import "time"

// DeliveryState tracks where a message is in its send lifecycle.
type DeliveryState string

const (
	Pending DeliveryState = "PENDING"
	Sent    DeliveryState = "SENT"
	Failed  DeliveryState = "FAILED"
)

// Role identifies which side of a lead a party is on.
type Role string

const (
	RoleBusiness   Role = "business"
	RoleFreelancer Role = "freelancer"
)

// Counterpart returns the other party's role.
func (r Role) Counterpart() Role {
	if r == RoleBusiness {
		return RoleFreelancer
	}
	return RoleBusiness
}

// Valid reports whether r is one of the two conversation roles.
func (r Role) Valid() bool {
	return r == RoleBusiness || r == RoleFreelancer
}

// Message is one entry in a conversation log.
// ID is empty until the server confirms the message; ClientID is set for
// messages composed locally.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	SenderRole     Role
	Body           string
	CreatedAt      time.Time
	DeliveryState  DeliveryState
	Error          string
}

// Confirmed reports whether the server has assigned an id.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// Key returns the identity used for dedup and persistence: the client id
// for locally composed messages, otherwise the server id.
func (m Message) Key() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

// Conversation is a two-party thread anchored to a lead record.
type Conversation struct {
	ID                     string
	CounterpartID          string
	CounterpartDisplayName string
	CounterpartAvatarURL   string
	LastMessagePreview     string
	LastMessageAt          time.Time
	UnreadCount            int
}

// Identity is the local party.
type Identity struct {
	UserID string
	Role   Role
}

// Authored reports whether the local party sent m.
func (id Identity) Authored(m Message) bool {
	if m.ClientID != "" && m.SenderID == "" {
		return true
	}
	if id.UserID != "" && m.SenderID == id.UserID {
		return true
	}
	return m.SenderID == "" && m.SenderRole != "" && m.SenderRole == id.Role
}
