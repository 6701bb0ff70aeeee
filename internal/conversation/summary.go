package conversation

import "time"

// Summary is a conversation's state without its full transcript.
type Summary struct {
	ID           string `json:"id"`
	CurrentPhase string `json:"current_phase"`
	Status       string `json:"status"`
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`

	// MessageCount is the total number of stored messages
	MessageCount int `json:"message_count"`

	// UserMessages and AssistantMessages split MessageCount by role
	UserMessages      int `json:"user_messages"`
	AssistantMessages int `json:"assistant_messages"`

	// Slots is every slot extracted over the conversation, merged
	Slots map[string]any `json:"slots"`

	// LastActivity is the timestamp of the newest message, or nil
	LastActivity *time.Time `json:"last_activity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToSummary converts a Conversation to a Summary with empty counters.
func (c *Conversation) ToSummary() Summary {
	return Summary{
		ID:           c.ID,
		CurrentPhase: c.CurrentPhase,
		Status:       c.Status,
		ContactName:  c.ContactName,
		ContactEmail: c.ContactEmail,
		Slots:        map[string]any{},
		CreatedAt:    c.CreatedAt,
	}
}
