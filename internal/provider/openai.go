package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/hpungsan/counsel/internal/conversation"
)

// OpenAICompatible talks to any endpoint implementing the OpenAI chat
// completions API. DeepSeek is served by pointing BaseURL at its /v1 root.
type OpenAICompatible struct {
	name        string
	client      *openai.Client
	model       string
	maxTokens   int
	temperature *float64
	hasKey      bool
}

var _ Provider = (*OpenAICompatible)(nil)

// OpenAIConfig configures an OpenAICompatible provider.
type OpenAIConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

// NewOpenAICompatible builds a provider. Retries are left to WithRetry, so
// the SDK's own retry loop is disabled.
func NewOpenAICompatible(cfg OpenAIConfig) *OpenAICompatible {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)

	return &OpenAICompatible{
		name:        cfg.Name,
		client:      &client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		hasKey:      cfg.APIKey != "",
	}
}

func (p *OpenAICompatible) Name() string { return p.name }

// HealthCheck reports whether the provider is configured with a key.
func (p *OpenAICompatible) HealthCheck(context.Context) bool { return p.hasKey }

func (p *OpenAICompatible) Generate(ctx context.Context, prompt Prompt, params Params) (*Result, error) {
	msgs := prompt.Transcript()
	if len(msgs) == 0 {
		return nil, &permanentError{errors.New("empty prompt")}
	}

	req := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: convMessages(msgs),
	}
	if params.Model != "" {
		req.Model = params.Model
	}
	if n := firstPositive(params.MaxTokens, p.maxTokens); n > 0 {
		req.MaxTokens = param.NewOpt(int64(n))
	}
	if t := firstSet(params.Temperature, p.temperature); t != nil {
		req.Temperature = param.NewOpt(*t)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	return &Result{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		Elapsed:    time.Since(start),
	}, nil
}

func convMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case conversation.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// classify marks client errors other than 408 and 429 as permanent.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return &permanentError{err}
		}
	}
	return err
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstSet(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
