// Package turn runs one conversation turn end to end: load context, extract
// slots, build the prompt, call the provider, decide the next phase and
// persist the reply.
package turn

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/phase"
	"github.com/hpungsan/counsel/internal/prompt"
	"github.com/hpungsan/counsel/internal/provider"
	"github.com/hpungsan/counsel/internal/slots"
	"github.com/hpungsan/counsel/internal/state"
)

// Store is the conversation storage a turn reads and writes.
type Store interface {
	Conversation(ctx context.Context, id string) (*conversation.Conversation, error)
	Context(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	Messages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	AppendMessage(ctx context.Context, m *conversation.Message) error
	UpdatePhase(ctx context.Context, conversationID, phase string) error
	UpdateContact(ctx context.Context, conversationID, name, email string) error
	Ping(ctx context.Context) error
}

// Providers resolves the provider for a request.
type Providers interface {
	Get(name string) (provider.Provider, error)
	Default() string
	Health(ctx context.Context) map[string]bool
}

// Retriever finds knowledge-base passages for a message.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]index.Result, error)
}

// Options configures an Orchestrator.
type Options struct {
	// ContextLimit is how many prior messages a turn loads (default 10).
	ContextLimit int
	// MaxConcurrent bounds ProcessBatch (default 10).
	MaxConcurrent int
	// DefaultPhase is used when neither request nor conversation names one.
	DefaultPhase string
	// Retriever, when set, augments every prompt with AugmentTopK passages.
	Retriever   Retriever
	AugmentTopK int
	Logger      *slog.Logger
}

// Orchestrator wires the turn pipeline. Collaborators are passed in
// explicitly; there is no package state.
type Orchestrator struct {
	store     Store
	prompts   *prompt.Engine
	phases    *phase.Engine
	providers Providers
	states    *state.Store
	opts      Options
	logger    *slog.Logger
}

// New returns an orchestrator. states may be nil to skip workflow state.
func New(store Store, prompts *prompt.Engine, phases *phase.Engine, providers Providers, states *state.Store, opts Options) *Orchestrator {
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 10
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.DefaultPhase == "" {
		opts.DefaultPhase = conversation.PhaseInfoCollection
	}
	if opts.AugmentTopK <= 0 {
		opts.AugmentTopK = 3
	}
	return &Orchestrator{
		store:     store,
		prompts:   prompts,
		phases:    phases,
		providers: providers,
		states:    states,
		opts:      opts,
		logger:    logging.OrDefault(opts.Logger),
	}
}

// Request is one incoming user message.
type Request struct {
	// ID is an optional caller reference echoed in batch results.
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	// CurrentPhase defaults to the conversation's stored phase.
	CurrentPhase string `json:"current_phase,omitempty"`
	// Provider defaults to the configured default provider.
	Provider string `json:"provider,omitempty"`
	// StoreUserMessage appends Message to the transcript before the reply.
	// Leave it off when a gateway has already stored it.
	StoreUserMessage bool `json:"store_user_message,omitempty"`
}

// Result is the outcome of a turn.
type Result struct {
	Content   string                `json:"content"`
	NextPhase string                `json:"next_phase"`
	Slots     slots.Set             `json:"slots"`
	Metadata  map[string]any        `json:"metadata"`
	Decision  phase.Decision        `json:"decision"`
	Message   *conversation.Message `json:"-"`
}

// ProcessTurn runs the full pipeline for req.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.NewInvalidRequest("conversation_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.NewInvalidRequest("message is required")
	}

	history, err := o.store.Context(ctx, req.ConversationID, o.opts.ContextLimit)
	if err != nil {
		return nil, err
	}
	conv, err := o.store.Conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	current := conversation.NormalizePhase(req.CurrentPhase)
	if current == "" {
		current = conv.CurrentPhase
	}
	if current == "" {
		current = o.opts.DefaultPhase
	}
	o.logger.Info("processing turn", "conversation_id", conv.ID, "phase", current)

	if req.StoreUserMessage {
		if err := o.store.AppendMessage(ctx, &conversation.Message{
			ConversationID: conv.ID,
			Role:           conversation.RoleUser,
			Content:        req.Message,
		}); err != nil {
			return nil, err
		}
	}

	extracted := slots.Extract(req.Message, current)
	if email, ok := extracted[slots.Email].(string); ok && conv.ContactEmail == "" {
		if err := o.store.UpdateContact(ctx, conv.ID, "", email); err != nil {
			o.logger.Warn("contact update failed", "conversation_id", conv.ID, "error", err)
		}
	}

	built, err := o.prompts.Build(ctx, prompt.Request{
		Phase:     current,
		Message:   req.Message,
		Context:   history,
		Retrieved: o.retrieve(ctx, req.Message),
	})
	if err != nil {
		return nil, err
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = o.providers.Default()
	}
	p, err := o.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	gen, err := p.Generate(ctx, built, provider.Params{})
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewProvider(providerName, err)
	}

	decision := o.phases.Decide(ctx, phase.Turn{
		CurrentPhase: current,
		Input: phase.Input{
			Message:    req.Message,
			AIResponse: gen.Content,
			Slots:      extracted,
			Context:    history,
		},
	})
	if decision.Phase != current {
		if err := o.store.UpdatePhase(ctx, conv.ID, decision.Phase); err != nil {
			return nil, err
		}
		o.logger.Info("phase transition", "conversation_id", conv.ID,
			"from", current, "to", decision.Phase, "reason", decision.Reason, "rule_id", decision.RuleID)
	}

	metadata := map[string]any{
		"provider":          providerName,
		"phase":             current,
		"next_phase":        decision.Phase,
		"slots":             map[string]any(extracted),
		"tokens_used":       gen.TokensUsed,
		"processing_time":   gen.Elapsed.Seconds(),
		"transition_reason": string(decision.Reason),
	}
	reply := &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Content:        gen.Content,
		Metadata:       metadata,
	}
	if err := o.store.AppendMessage(ctx, reply); err != nil {
		return nil, err
	}

	res := &Result{
		Content:   gen.Content,
		NextPhase: decision.Phase,
		Slots:     extracted,
		Metadata:  metadata,
		Decision:  decision,
		Message:   reply,
	}
	o.saveState(ctx, conv.ID, res)
	return res, nil
}

// retrieve returns augmentation passages, or nil when retrieval is off or fails.
func (o *Orchestrator) retrieve(ctx context.Context, message string) []index.Result {
	if o.opts.Retriever == nil {
		return nil
	}
	hits, err := o.opts.Retriever.Search(ctx, message, o.opts.AugmentTopK)
	if err != nil {
		o.logger.Warn("retrieval failed, continuing without passages", "error", err)
		return nil
	}
	return hits
}

func (o *Orchestrator) saveState(ctx context.Context, conversationID string, res *Result) {
	if o.states == nil {
		return
	}
	_, err := o.states.Update(ctx, conversationID, state.Response{
		Content:   res.Content,
		NextPhase: res.NextPhase,
		Slots:     res.Slots,
		Metadata:  res.Metadata,
	})
	if err != nil {
		o.logger.Warn("workflow state update failed", "conversation_id", conversationID, "error", err)
	}
}
