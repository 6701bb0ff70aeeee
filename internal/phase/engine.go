// Package phase decides which phase a conversation moves to after a turn.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/logging"
)

// RuleSource supplies the stored branch rules leaving a phase.
type RuleSource interface {
	BranchRules(ctx context.Context, fromPhase string) ([]conversation.BranchRule, error)
}

// Rule is a decoded branch rule.
type Rule struct {
	ID        string
	FromPhase string
	ToPhase   string
	Priority  int
	Condition Condition
}

// DecodeRule turns a stored rule into a typed one.
func DecodeRule(r conversation.BranchRule) (Rule, error) {
	c, err := DecodeCondition(r.ConditionType, r.ConditionParams)
	if err != nil {
		return Rule{}, err
	}
	return Rule{ID: r.ID, FromPhase: r.FromPhase, ToPhase: r.ToPhase, Priority: r.Priority, Condition: c}, nil
}

// Reason records why a decision was made.
type Reason string

const (
	ReasonMarker         Reason = "marker"
	ReasonRule           Reason = "rule"
	ReasonAutoTransition Reason = "auto_transition"
	ReasonStay           Reason = "stay"
)

// Decision is the outcome of one transition check.
type Decision struct {
	Phase  string `json:"phase"`
	Reason Reason `json:"reason"`
	// RuleID is set when Reason is ReasonRule.
	RuleID string `json:"rule_id,omitempty"`
}

// Turn is what the engine needs to know about a finished turn.
type Turn struct {
	CurrentPhase string
	Input
}

// markerPatterns are checked in order; the first pattern that matches wins.
var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[NEXT_PHASE:([A-Z_]+)\]`),
	regexp.MustCompile(`<PHASE_TRANSITION>([A-Z_]+)</PHASE_TRANSITION>`),
	regexp.MustCompile(`TRANSITION_TO:([A-Z_]+)`),
}

// ExtractMarker returns the phase named by an explicit transition marker in text.
func ExtractMarker(text string) (string, bool) {
	for _, re := range markerPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Options configures an Engine.
type Options struct {
	AutoTransition bool
	// PhaseTimeout is how long after the last context message auto-transition kicks in.
	PhaseTimeout time.Duration
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Engine applies markers, branch rules and the auto-transition fallback.
type Engine struct {
	rules   RuleSource
	auto    bool
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewEngine creates an engine reading rules from src.
func NewEngine(src RuleSource, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		rules:   src,
		auto:    opts.AutoTransition,
		timeout: opts.PhaseTimeout,
		now:     now,
		log:     logging.OrDefault(opts.Logger),
	}
}

// Next returns the phase the conversation should be in after t.
func (e *Engine) Next(ctx context.Context, t Turn) string {
	return e.Decide(ctx, t).Phase
}

// Decide runs the transition algorithm and reports how it decided. It never
// fails: any error or panic leaves the conversation in t.CurrentPhase.
func (e *Engine) Decide(ctx context.Context, t Turn) (d Decision) {
	stay := Decision{Phase: t.CurrentPhase, Reason: ReasonStay}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("phase decision panicked", "phase", t.CurrentPhase, "panic", fmt.Sprint(r))
			d = stay
		}
	}()

	if p, ok := ExtractMarker(t.AIResponse); ok {
		e.log.Info("explicit phase transition", "from", t.CurrentPhase, "to", p)
		return Decision{Phase: p, Reason: ReasonMarker}
	}

	if rule, ok := e.firstMatch(ctx, t); ok {
		e.log.Info("branch rule fired", "from", t.CurrentPhase, "to", rule.ToPhase, "rule", rule.ID, "kind", rule.Condition.Kind())
		return Decision{Phase: rule.ToPhase, Reason: ReasonRule, RuleID: rule.ID}
	}

	if e.shouldAutoTransition(t.Context) {
		if next, ok := conversation.NextInSequence(t.CurrentPhase); ok {
			e.log.Info("auto transition", "from", t.CurrentPhase, "to", next)
			return Decision{Phase: next, Reason: ReasonAutoTransition}
		}
	}

	return stay
}

// Rules loads and decodes the rules leaving phase, highest priority first.
// Rules with unknown kinds or bad parameters are logged and left out.
func (e *Engine) Rules(ctx context.Context, phase string) ([]Rule, error) {
	stored, err := e.rules.BranchRules(ctx, phase)
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(stored))
	for _, s := range stored {
		r, err := DecodeRule(s)
		if err != nil {
			e.log.Warn("skipping branch rule", "rule", s.ID, "type", s.ConditionType, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules, nil
}

func (e *Engine) firstMatch(ctx context.Context, t Turn) (Rule, bool) {
	if e.rules == nil {
		return Rule{}, false
	}
	rules, err := e.Rules(ctx, t.CurrentPhase)
	if err != nil {
		e.log.Error("loading branch rules", "phase", t.CurrentPhase, "error", err)
		return Rule{}, false
	}
	for _, r := range rules {
		if e.evaluate(r, t.Input) {
			return r, true
		}
	}
	return Rule{}, false
}

// evaluate runs one rule, treating a panic as "does not fire".
func (e *Engine) evaluate(r Rule, in Input) (fired bool) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("condition evaluation panicked", "rule", r.ID, "kind", r.Condition.Kind(), "panic", fmt.Sprint(p))
			fired = false
		}
	}()
	return r.Condition.Evaluate(in)
}

// shouldAutoTransition is true when enabled and the newest context message
// is older than the timeout. Only evaluated when a turn arrives.
func (e *Engine) shouldAutoTransition(ctxMsgs []conversation.Message) bool {
	if !e.auto || len(ctxMsgs) == 0 {
		return false
	}
	last := ctxMsgs[len(ctxMsgs)-1].CreatedAt
	return e.now().Sub(last) > e.timeout
}
