// Package conversation holds the domain records shared by storage, the
// phase engine and the prompt builder.
package conversation

import (
	"encoding/json"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps a stored sender type to a Role. Anything that is not
// "user" or "system" is treated as the assistant.
func ParseRole(s string) Role {
	switch Role(Normalize(s)) {
	case RoleUser:
		return RoleUser
	case RoleSystem:
		return RoleSystem
	default:
		return RoleAssistant
	}
}

// Status values for a conversation.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Conversation is the record a turn runs against.
type Conversation struct {
	// ID is a ULID
	ID string `json:"id"`

	// CurrentPhase is the phase the next turn starts in
	CurrentPhase string `json:"current_phase"`

	// Status is active or closed
	Status string `json:"status"`

	// ContactName and ContactEmail are optional, filled from intake
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry of a conversation. Messages are append-only.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Document is a knowledge-base entry. Only active documents are indexed.
type Document struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	DocumentType string         `json:"document_type,omitempty"`
	Category     string         `json:"category,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PromptTemplate is the system prompt for one phase. The highest version wins.
type PromptTemplate struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// BranchRule is a stored transition rule. ConditionParams is decoded by the
// phase engine, which owns the set of known condition types.
type BranchRule struct {
	ID              string          `json:"id"`
	FromPhase       string          `json:"from_phase"`
	ToPhase         string          `json:"to_phase"`
	ConditionType   string          `json:"condition_type"`
	ConditionParams json.RawMessage `json:"condition_params,omitempty"`
	Priority        int             `json:"priority"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}
