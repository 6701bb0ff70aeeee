package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/phase"
	"github.com/hpungsan/counsel/internal/seed"
)

// ListRulesInput contains parameters for ListRules.
type ListRulesInput struct {
	FromPhase       string `json:"from_phase,omitempty"`
	IncludeInactive bool   `json:"include_inactive,omitempty"`
}

// ListRulesOutput contains branch rules in evaluation order.
type ListRulesOutput struct {
	Rules []conversation.BranchRule `json:"rules"`
	Count int                       `json:"count"`
}

// ListRules returns branch rules ordered by source phase then priority.
// Inactive rules are included only when asked for.
func ListRules(ctx context.Context, d *Deps, input ListRulesInput) (*ListRulesOutput, error) {
	from, err := normalizePhaseArg("from_phase", input.FromPhase)
	if err != nil {
		return nil, err
	}
	all, err := d.Store.ListBranchRules(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]conversation.BranchRule, 0, len(all))
	for _, r := range all {
		if from != "" && r.FromPhase != from {
			continue
		}
		if !r.Active && !input.IncludeInactive {
			continue
		}
		rules = append(rules, r)
	}
	return &ListRulesOutput{Rules: rules, Count: len(rules)}, nil
}

// AddRuleInput contains parameters for AddRule.
type AddRuleInput struct {
	ID              string          `json:"id,omitempty"`
	FromPhase       string          `json:"from_phase"`
	ToPhase         string          `json:"to_phase"`
	ConditionType   string          `json:"condition_type"`
	ConditionParams json.RawMessage `json:"condition_params,omitempty"`
	Priority        int             `json:"priority,omitempty"`
}

// AddRule stores a branch rule after checking its condition decodes.
func AddRule(ctx context.Context, d *Deps, input AddRuleInput) (*conversation.BranchRule, error) {
	from, err := normalizePhaseArg("from_phase", input.FromPhase)
	if err != nil {
		return nil, err
	}
	to, err := normalizePhaseArg("to_phase", input.ToPhase)
	if err != nil {
		return nil, err
	}
	if from == "" || to == "" {
		return nil, errors.NewInvalidRequest("from_phase and to_phase are required")
	}
	if from == to {
		return nil, errors.NewInvalidRequest("from_phase and to_phase must differ")
	}
	kind := strings.ToLower(strings.TrimSpace(input.ConditionType))
	if _, err := phase.DecodeCondition(kind, input.ConditionParams); err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("condition: %v", err))
	}

	r := &conversation.BranchRule{
		ID:              strings.TrimSpace(input.ID),
		FromPhase:       from,
		ToPhase:         to,
		ConditionType:   kind,
		ConditionParams: input.ConditionParams,
		Priority:        input.Priority,
	}
	if err := d.Store.InsertBranchRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRuleActiveInput contains parameters for SetRuleActive.
type SetRuleActiveInput struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SetRuleActiveOutput reports the rule's new flag.
type SetRuleActiveOutput struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SetRuleActive enables or disables a branch rule.
func SetRuleActive(ctx context.Context, d *Deps, input SetRuleActiveInput) (*SetRuleActiveOutput, error) {
	id, err := requireID("id", input.ID)
	if err != nil {
		return nil, err
	}
	if err := d.Store.SetBranchRuleActive(ctx, id, input.Active); err != nil {
		return nil, err
	}
	return &SetRuleActiveOutput{ID: id, Active: input.Active}, nil
}

// AddTemplateInput contains parameters for AddTemplate.
type AddTemplateInput struct {
	Phase   string `json:"phase"`
	Content string `json:"content"`
	Version int    `json:"version,omitempty"` // 0 assigns the next version
}

// AddTemplate stores a new prompt template version for a phase.
func AddTemplate(ctx context.Context, d *Deps, input AddTemplateInput) (*conversation.PromptTemplate, error) {
	p, err := normalizePhaseArg("phase", input.Phase)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, errors.NewInvalidRequest("phase is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, errors.NewInvalidRequest("content is required")
	}
	if n := conversation.CountChars(input.Content); n > seed.MaxTemplateChars {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("content is %d chars, max %d", n, seed.MaxTemplateChars))
	}
	if input.Version < 0 {
		return nil, errors.NewInvalidRequest("version must not be negative")
	}
	t := &conversation.PromptTemplate{Phase: p, Content: input.Content, Version: input.Version}
	if err := d.Store.InsertPromptTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTemplateInput contains parameters for GetTemplate.
type GetTemplateInput struct {
	Phase string `json:"phase"`
}

// GetTemplate returns the newest template version for a phase.
func GetTemplate(ctx context.Context, d *Deps, input GetTemplateInput) (*conversation.PromptTemplate, error) {
	p, err := normalizePhaseArg("phase", input.Phase)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, errors.NewInvalidRequest("phase is required")
	}
	return d.Store.PromptTemplate(ctx, p)
}
