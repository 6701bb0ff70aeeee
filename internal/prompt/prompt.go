// Package prompt builds the chat transcript sent to a provider for one turn.
package prompt

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/provider"
	"github.com/hpungsan/counsel/internal/rag"
)

// TemplateSource returns the latest system template for a phase, or a
// NOT_FOUND error when the phase has none.
type TemplateSource interface {
	PromptTemplate(ctx context.Context, phase string) (*conversation.PromptTemplate, error)
}

// Request is the input for one prompt.
type Request struct {
	Phase   string
	Message string
	// Context is prior conversation, oldest first.
	Context []conversation.Message
	// Retrieved, when non-empty, is appended to the system message.
	Retrieved []index.Result
}

// Engine builds prompts from stored templates.
type Engine struct {
	templates TemplateSource
	logger    *slog.Logger
}

// NewEngine returns an engine reading templates from src.
func NewEngine(src TemplateSource, logger *slog.Logger) *Engine {
	return &Engine{templates: src, logger: logging.OrDefault(logger)}
}

// referenceHeader introduces retrieved passages in the system message.
const referenceHeader = "Relevant legal reference material:"

// Build returns the system template (if the phase has one), every context
// message as user or assistant, then the new user message.
func (e *Engine) Build(ctx context.Context, req Request) (provider.Prompt, error) {
	system, err := e.systemText(ctx, req.Phase)
	if err != nil {
		return provider.Prompt{}, err
	}
	if len(req.Retrieved) > 0 {
		ref := referenceHeader + "\n" + rag.RetrievedContext(req.Retrieved)
		if system == "" {
			system = ref
		} else {
			system = system + "\n\n" + ref
		}
	}

	msgs := make([]provider.Message, 0, len(req.Context)+2)
	if system != "" {
		msgs = append(msgs, provider.Message{Role: conversation.RoleSystem, Content: system})
	}
	for _, m := range req.Context {
		role := conversation.RoleAssistant
		if m.Role == conversation.RoleUser {
			role = conversation.RoleUser
		}
		msgs = append(msgs, provider.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: conversation.RoleUser, Content: req.Message})

	return provider.Prompt{Messages: msgs}, nil
}

func (e *Engine) systemText(ctx context.Context, phase string) (string, error) {
	if e.templates == nil {
		return "", nil
	}
	t, err := e.templates.PromptTemplate(ctx, phase)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			e.logger.Debug("no prompt template for phase", "phase", phase)
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(t.Content), nil
}
