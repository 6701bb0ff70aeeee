package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
)

// Echo is an offline provider that answers "<Label> response to: <text>"
// where text is every prompt message joined by spaces. Tokens are the word
// count of text.
type Echo struct {
	name  string
	label string
}

var _ Provider = (*Echo)(nil)

// NewEcho returns an echo provider registered under name and printing label.
func NewEcho(name, label string) *Echo {
	if label == "" {
		label = name
	}
	return &Echo{name: name, label: label}
}

func (e *Echo) Name() string { return e.name }

func (e *Echo) HealthCheck(context.Context) bool { return true }

func (e *Echo) Generate(ctx context.Context, prompt Prompt, _ Params) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := prompt.Flatten()
	return &Result{
		Content:    fmt.Sprintf("%s response to: %s", e.label, text),
		TokensUsed: conversation.WordCount(text),
		Elapsed:    time.Duration(0),
	}, nil
}
