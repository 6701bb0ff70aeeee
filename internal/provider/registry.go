package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/errors"
)

// Registry maps provider names to instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	missing   map[string]string
	fallback  string
}

// NewRegistry returns an empty registry whose default is fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		providers: map[string]Provider{},
		missing:   map[string]string{},
		fallback:  fallback,
	}
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	delete(r.missing, p.Name())
}

// Default returns the name used when a request names no provider.
func (r *Registry) Default() string {
	return r.fallback
}

// Get returns the named provider, or the default for an empty name.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if reason, ok := r.missing[name]; ok {
		return nil, errors.NewConfiguration(fmt.Sprintf("provider %s unavailable: %s", name, reason))
	}
	return nil, errors.NewConfiguration(fmt.Sprintf("AI provider %s not available", name))
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Health runs HealthCheck on every registered provider.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.providers)+len(r.missing))
	for n, p := range r.providers {
		out[n] = p.HealthCheck(ctx)
	}
	for n := range r.missing {
		out[n] = false
	}
	return out
}

// FromConfig builds a registry from the providers section. A provider with
// no API key is recorded as unavailable rather than registered, unless
// offline is set, in which case every configured name gets an Echo.
// Every registered provider is wrapped with the processing retry policy.
func FromConfig(cfg *config.Config, offline bool) *Registry {
	r := NewRegistry(cfg.DefaultProvider)
	retry := RetryOptions{
		Attempts: cfg.Processing.RetryAttempts,
		Delay:    cfg.Processing.RetryDelay.Std(),
		Timeout:  cfg.Processing.RequestTimeout.Std(),
	}

	for name, pc := range cfg.Providers {
		if offline {
			r.Register(NewEcho(name, displayName(name)))
			continue
		}
		if pc.APIKey == "" {
			r.mu.Lock()
			r.missing[name] = "missing API key"
			r.mu.Unlock()
			continue
		}
		r.Register(WithRetry(NewOpenAICompatible(OpenAIConfig{
			Name:        name,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
		}), retry))
	}
	return r
}

func displayName(name string) string {
	switch name {
	case "openai":
		return "OpenAI"
	case "deepseek":
		return "DeepSeek"
	default:
		return name
	}
}
