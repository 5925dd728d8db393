package conversation

import "time"

// Role identifies who produced a message. Exactly two roles exist.
type Role string

const (
	// RoleUser marks a message written by a human participant.
	RoleUser Role = "user"
	// RoleAssistant marks a message written by the bot.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Message is one turn of a conversation. Messages are immutable once
// appended; the store copies them on the way in and out.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DeriveKey returns the context key for a conversation. A thread has
// its own context, distinct from the channel that spawned it.
func DeriveKey(conversationID, threadID string) string {
	if threadID != "" {
		return threadID
	}
	return conversationID
}
