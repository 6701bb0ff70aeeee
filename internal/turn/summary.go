package turn

import (
	"context"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/slots"
)

// Summary returns counts, merged slots and contact fields for a
// conversation. Slots are re-extracted from every user message and merged
// oldest first, so later scalar values win and dates accumulate.
func (o *Orchestrator) Summary(ctx context.Context, conversationID string) (*conversation.Summary, error) {
	conv, err := o.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sum := conv.ToSummary()
	merged := slots.Set{}
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleUser:
			sum.UserMessages++
			slots.Merge(merged, slots.Extract(m.Content, conv.CurrentPhase))
		case conversation.RoleAssistant:
			sum.AssistantMessages++
		}
	}
	sum.MessageCount = len(msgs)
	sum.Slots = merged
	if n := len(msgs); n > 0 {
		last := msgs[n-1].CreatedAt
		sum.LastActivity = &last
	}
	return &sum, nil
}

// Health reports database reachability and per-provider health.
type Health struct {
	Database  bool            `json:"database"`
	Providers map[string]bool `json:"providers"`
	Healthy   bool            `json:"healthy"`
	Latency   float64         `json:"latency_seconds"`
	Error     string          `json:"error,omitempty"`
}

// Health pings the store and checks every provider. Healthy requires the
// database and the default provider.
func (o *Orchestrator) Health(ctx context.Context) Health {
	start := time.Now()
	h := Health{Database: true}
	if err := o.store.Ping(ctx); err != nil {
		h.Database = false
		h.Error = err.Error()
	}
	h.Providers = o.providers.Health(ctx)
	h.Healthy = h.Database && h.Providers[o.providers.Default()]
	h.Latency = time.Since(start).Seconds()
	return h
}
