// Package models contains domain models for gamegen.
package models

import "time"

// MessageRole identifies who wrote a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Conversation groups the messages a user exchanged with the generator.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single prompt in a conversation. Generation results are attached
// to it as versioned snapshots.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	Role           MessageRole         `json:"role"`
	Content        string              `json:"content"`
	CreatedAt      time.Time           `json:"createdAt"`
	Generation     *GenerationSnapshot `json:"generation,omitempty"`
}
