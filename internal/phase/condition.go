package phase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/slots"
)

// Kind names a condition type as stored on a branch rule.
type Kind string

const (
	KindSufficientInfo   Kind = "sufficient_info"
	KindAnalysisComplete Kind = "analysis_complete"
	KindClientInterest   Kind = "client_interest"
	KindMessageCount     Kind = "message_count"
	KindTimeElapsed      Kind = "time_elapsed"
	KindKeywordMatch     Kind = "keyword_match"
	KindSlotFilled       Kind = "slot_filled"
)

// Kinds lists every known condition kind.
var Kinds = []Kind{
	KindSufficientInfo,
	KindAnalysisComplete,
	KindClientInterest,
	KindMessageCount,
	KindTimeElapsed,
	KindKeywordMatch,
	KindSlotFilled,
}

// Input is the turn state a condition is evaluated against.
type Input struct {
	Message    string
	AIResponse string
	Slots      slots.Set
	// Context is the recent conversation, oldest first.
	Context []conversation.Message
}

func (in Input) userMessages() int {
	n := 0
	for _, m := range in.Context {
		if m.Role == conversation.RoleUser {
			n++
		}
	}
	return n
}

// Condition is a typed transition predicate. The set of implementations is
// closed: only the types in this file satisfy it.
type Condition interface {
	Kind() Kind
	Evaluate(in Input) bool
	sealed()
}

// SufficientInfo fires once enough user messages arrived and every required
// field is filled.
type SufficientInfo struct {
	MinMessages    int      `json:"min_messages"`
	RequiredFields []string `json:"required_fields"`
}

func (SufficientInfo) Kind() Kind { return KindSufficientInfo }
func (SufficientInfo) sealed()    {}

func (c SufficientInfo) Evaluate(in Input) bool {
	if in.userMessages() < c.MinMessages {
		return false
	}
	for _, f := range c.RequiredFields {
		if !in.Slots.Filled(f) {
			return false
		}
	}
	return true
}

// AnalysisIndicators are the phrases AnalysisComplete looks for in the AI response.
var AnalysisIndicators = []string{
	"analysis complete",
	"assessment shows",
	"legal assessment",
	"case strength",
	"recommendation",
	"next steps",
}

// AnalysisComplete fires when the share of AnalysisIndicators present in the
// AI response reaches ConfidenceThreshold.
type AnalysisComplete struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

func (AnalysisComplete) Kind() Kind { return KindAnalysisComplete }
func (AnalysisComplete) sealed()    {}

func (c AnalysisComplete) Evaluate(in Input) bool {
	return AnalysisConfidence(in.AIResponse) >= c.ConfidenceThreshold
}

// AnalysisConfidence is the fraction of AnalysisIndicators found in text.
func AnalysisConfidence(text string) float64 {
	lower := strings.ToLower(text)
	found := 0
	for _, ind := range AnalysisIndicators {
		if strings.Contains(lower, ind) {
			found++
		}
	}
	return min(float64(found)/float64(len(AnalysisIndicators)), 1.0)
}

// DefaultInterestIndicators apply when a client_interest rule names none.
var DefaultInterestIndicators = []string{
	"pricing", "cost", "fee", "timeline", "next steps", "proceed", "continue", "hire",
}

// ClientInterest fires when the user message mentions any indicator.
type ClientInterest struct {
	InterestIndicators []string `json:"interest_indicators"`
}

func (ClientInterest) Kind() Kind { return KindClientInterest }
func (ClientInterest) sealed()    {}

func (c ClientInterest) Evaluate(in Input) bool {
	return containsAny(in.Message, c.InterestIndicators)
}

// MessageCount fires when the user message count is within [MinCount, MaxCount].
type MessageCount struct {
	MinCount int `json:"min_count"`
	MaxCount int `json:"max_count"`
}

func (MessageCount) Kind() Kind { return KindMessageCount }
func (MessageCount) sealed()    {}

func (c MessageCount) Evaluate(in Input) bool {
	n := in.userMessages()
	return c.MinCount <= n && n <= c.MaxCount
}

// TimeElapsed fires when the span between the first and last context
// message is at least MinMinutes.
type TimeElapsed struct {
	MinMinutes float64 `json:"min_minutes"`
}

func (TimeElapsed) Kind() Kind { return KindTimeElapsed }
func (TimeElapsed) sealed()    {}

func (c TimeElapsed) Evaluate(in Input) bool {
	if len(in.Context) == 0 {
		return false
	}
	first := in.Context[0].CreatedAt
	last := in.Context[len(in.Context)-1].CreatedAt
	return last.Sub(first).Minutes() >= c.MinMinutes
}

// KeywordMatch fires when the user message contains any keyword.
type KeywordMatch struct {
	Keywords []string `json:"keywords"`
}

func (KeywordMatch) Kind() Kind { return KindKeywordMatch }
func (KeywordMatch) sealed()    {}

func (c KeywordMatch) Evaluate(in Input) bool {
	return containsAny(in.Message, c.Keywords)
}

// SlotFilled fires when every required slot is filled.
type SlotFilled struct {
	RequiredSlots []string `json:"required_slots"`
}

func (SlotFilled) Kind() Kind { return KindSlotFilled }
func (SlotFilled) sealed()    {}

func (c SlotFilled) Evaluate(in Input) bool {
	for _, s := range c.RequiredSlots {
		if !in.Slots.Filled(s) {
			return false
		}
	}
	return true
}

// containsAny is a case-insensitive substring test.
func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// DecodeCondition builds the typed condition for kind from its JSON
// parameters. Missing parameters take their defaults. An unknown kind is
// an error; this is the only place one can appear.
func DecodeCondition(kind string, params json.RawMessage) (Condition, error) {
	var c Condition
	switch Kind(kind) {
	case KindSufficientInfo:
		v := SufficientInfo{MinMessages: 3}
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	case KindAnalysisComplete:
		v := AnalysisComplete{ConfidenceThreshold: 0.8}
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	case KindClientInterest:
		v := ClientInterest{InterestIndicators: append([]string(nil), DefaultInterestIndicators...)}
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	case KindMessageCount:
		v := MessageCount{MinCount: 5, MaxCount: 50}
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	case KindTimeElapsed:
		v := TimeElapsed{MinMinutes: 10}
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	case KindKeywordMatch:
		var v KeywordMatch
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	case KindSlotFilled:
		var v SlotFilled
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		c = v
	default:
		return nil, fmt.Errorf("unknown condition type: %q", kind)
	}
	return c, nil
}

func decodeParams(params json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("invalid condition parameters: %w", err)
	}
	return nil
}

// ValidKind reports whether kind names a known condition.
func ValidKind(kind string) bool {
	for _, k := range Kinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}
