// Package provider adapts LLM chat APIs to a single Generate call.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
}

// Prompt is either a chat transcript or, when Messages is empty, a single
// text blob sent as one user message.
type Prompt struct {
	Messages []Message `json:"messages,omitempty"`
	Text     string    `json:"text,omitempty"`
}

// Transcript returns the messages to send, falling back to Text.
func (p Prompt) Transcript() []Message {
	if len(p.Messages) > 0 {
		return p.Messages
	}
	if p.Text == "" {
		return nil
	}
	return []Message{{Role: conversation.RoleUser, Content: p.Text}}
}

// Flatten joins the content of every message with single spaces.
func (p Prompt) Flatten() string {
	msgs := p.Transcript()
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

// Params overrides generation settings per call. Zero values and a nil
// Temperature mean "use the provider's configured default".
type Params struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Result is a completed generation.
type Result struct {
	Content    string        `json:"content"`
	TokensUsed int           `json:"tokens_used"`
	Elapsed    time.Duration `json:"processing_time"`
}

// Provider generates chat completions.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt, params Params) (*Result, error)
	HealthCheck(ctx context.Context) bool
}
