package types

import (
	"time"
)

// Sender names used for messages the server produces itself.
const (
	SystemUserName = "System"
	BuddyUserName  = "Buddy AI"
)

// Message is one chat frame as delivered to room members.
// It is built once by one of the constructors below and never mutated afterwards;
// Broadcaster serializes the same value for every recipient.
type Message struct {
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	IsAI      bool   `json:"is_ai"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// NewMessage creates a user-authored message stamped at the given time.
func NewMessage(userName, content string, at time.Time) *Message {
	return &Message{
		UserName:  userName,
		Content:   content,
		IsAI:      false,
		Timestamp: at.UnixMilli(),
	}
}

// NewAIMessage creates a message produced by an automated participant.
func NewAIMessage(userName, content string, at time.Time) *Message {
	return &Message{
		UserName:  userName,
		Content:   content,
		IsAI:      true,
		Timestamp: at.UnixMilli(),
	}
}

// NewSystemMessage creates a server notice such as a join or departure.
func NewSystemMessage(content string, at time.Time) *Message {
	return NewAIMessage(SystemUserName, content, at)
}

// NewDepartureMessage announces that displayName left the room.
func NewDepartureMessage(displayName string, at time.Time) *Message {
	return NewSystemMessage(displayName+" left.", at)
}

// SentAt returns the message timestamp as a time.Time.
func (m *Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}
