package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/slots"
)

// CreateConversationInput contains parameters for CreateConversation.
type CreateConversationInput struct {
	Phase        string `json:"phase,omitempty"` // default: workflow default phase
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
}

// CreateConversation opens a new conversation.
func CreateConversation(ctx context.Context, d *Deps, input CreateConversationInput) (*conversation.Conversation, error) {
	p, err := normalizePhaseArg("phase", input.Phase)
	if err != nil {
		return nil, err
	}
	if p == "" && d.Config != nil {
		p = conversation.NormalizePhase(d.Config.Workflow.DefaultPhase)
	}
	email := strings.TrimSpace(input.ContactEmail)
	if email != "" {
		if found, _ := slots.Extract(email, "")[slots.Email].(string); found != email {
			return nil, errors.NewInvalidRequest("contact_email is not a valid email address")
		}
	}

	c := &conversation.Conversation{
		CurrentPhase: p,
		ContactName:  strings.TrimSpace(input.ContactName),
		ContactEmail: email,
	}
	if err := d.Store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversationInput contains parameters for GetConversation.
type GetConversationInput struct {
	ID              string `json:"id"`
	IncludeMessages bool   `json:"include_messages,omitempty"`
	// HistoryLimit caps returned messages, newest kept. Default 50, max 500.
	HistoryLimit int `json:"history_limit,omitempty"`
}

// GetConversationOutput is a conversation with an optional transcript.
type GetConversationOutput struct {
	*conversation.Conversation
	Messages []conversation.Message `json:"messages,omitempty"`
}

// GetConversation fetches a conversation by ID.
func GetConversation(ctx context.Context, d *Deps, input GetConversationInput) (*GetConversationOutput, error) {
	id, err := requireID("id", input.ID)
	if err != nil {
		return nil, err
	}
	c, err := d.Store.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &GetConversationOutput{Conversation: c}
	if input.IncludeMessages {
		limit := clampLimit(input.HistoryLimit, DefaultHistory, MaxHistory)
		msgs, err := d.Store.Context(ctx, id, limit)
		if err != nil {
			return nil, err
		}
		out.Messages = msgs
	}
	return out, nil
}

// ListConversationsInput contains parameters for ListConversations.
type ListConversationsInput struct {
	Status string `json:"status,omitempty"` // "active", "closed" or empty for all
	Limit  int    `json:"limit,omitempty"`  // default: 20, max: 100
	Offset int    `json:"offset,omitempty"`
}

// ListConversationsOutput contains one page of conversations.
type ListConversationsOutput struct {
	Items      []conversation.Summary `json:"items"`
	Pagination Pagination             `json:"pagination"`
	Sort       string                 `json:"sort"`
}

// ListConversations pages through conversations, most recently updated first.
func ListConversations(ctx context.Context, d *Deps, input ListConversationsInput) (*ListConversationsOutput, error) {
	status := strings.ToLower(strings.TrimSpace(input.Status))
	if status != "" && status != conversation.StatusActive && status != conversation.StatusClosed {
		return nil, errors.NewInvalidRequest("status must be one of: active, closed")
	}
	limit := clampLimit(input.Limit, DefaultListLimit, MaxListLimit)
	offset := max(input.Offset, 0)

	// One extra row tells us whether another page exists.
	convs, err := d.Store.ListConversations(ctx, status, limit+1, offset)
	if err != nil {
		return nil, err
	}
	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}

	items := make([]conversation.Summary, 0, len(convs))
	for i := range convs {
		items = append(items, convs[i].ToSummary())
	}
	return &ListConversationsOutput{
		Items:      items,
		Pagination: Pagination{Limit: limit, Offset: offset, HasMore: hasMore},
		Sort:       "updated_at_desc",
	}, nil
}

// CloseConversation marks a conversation closed. Closing twice is not an error.
func CloseConversation(ctx context.Context, d *Deps, id string) (*conversation.Conversation, error) {
	id, err := requireID("id", id)
	if err != nil {
		return nil, err
	}
	if err := d.Store.UpdateStatus(ctx, id, conversation.StatusClosed); err != nil {
		return nil, err
	}
	return d.Store.Conversation(ctx, id)
}
