package domain

import (
	"time"
)

// MessageStatus tracks a message through the delivery pipeline
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// Message represents a chat message. ID is assigned by the persistence
// layer; ClientID carries the sender's temporary id so echoes can be matched
// back to the optimistic entry.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Conversation is the list-level view of a thread owned by the persistence layer
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TypingIndicator marks a user typing in a conversation until ExpiresAt
type TypingIndicator struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
