package seed

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/phase"
)

// MaxTemplateChars bounds a single prompt template.
const MaxTemplateChars = 12000

// Problem is one lint finding.
type Problem struct {
	// Where names the entry, e.g. "rules[2]".
	Where   string `json:"where"`
	Message string `json:"message"`
}

// LintResult contains the results of linting a seed file.
type LintResult struct {
	Valid    bool      `json:"valid"`
	Problems []Problem `json:"problems,omitempty"`
}

// Err converts a failed result into an INVALID_REQUEST error listing every
// problem. It returns nil for a valid result.
func (r *LintResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		msgs = append(msgs, p.Where+": "+p.Message)
	}
	e := errors.NewInvalidRequest("seed file has problems: " + strings.Join(msgs, "; "))
	e.Details = map[string]any{"problems": r.Problems}
	return e
}

func (r *LintResult) add(where, format string, args ...any) {
	r.Valid = false
	r.Problems = append(r.Problems, Problem{Where: where, Message: fmt.Sprintf(format, args...)})
}

// Lint validates a seed file without touching storage.
func Lint(f *File) *LintResult {
	res := &LintResult{Valid: true}

	known := append([]string(nil), conversation.Sequence...)
	for i, p := range f.Phases {
		p = conversation.NormalizePhase(p)
		if !conversation.ValidPhaseName(p) {
			res.add(fmt.Sprintf("phases[%d]", i), "invalid phase name %q", p)
			continue
		}
		known = append(known, p)
	}

	seenTemplate := map[string]bool{}
	for i, t := range f.Templates {
		where := fmt.Sprintf("templates[%d]", i)
		p := conversation.NormalizePhase(t.Phase)
		if !slices.Contains(known, p) {
			res.add(where, "unknown phase %q", t.Phase)
		}
		if strings.TrimSpace(t.Content) == "" {
			res.add(where, "content is empty")
		}
		if n := conversation.CountChars(t.Content); n > MaxTemplateChars {
			res.add(where, "content is %d chars, max %d", n, MaxTemplateChars)
		}
		key := fmt.Sprintf("%s@%d", p, t.Version)
		if t.Version > 0 && seenTemplate[key] {
			res.add(where, "duplicate version %d for %s", t.Version, p)
		}
		seenTemplate[key] = true
	}

	for i, r := range f.Rules {
		where := fmt.Sprintf("rules[%d]", i)
		from, to := conversation.NormalizePhase(r.From), conversation.NormalizePhase(r.To)
		if !slices.Contains(known, from) {
			res.add(where, "unknown from phase %q", r.From)
		}
		if !slices.Contains(known, to) {
			res.add(where, "unknown to phase %q", r.To)
		}
		if from == to && from != "" {
			res.add(where, "rule loops on %s", from)
		}
		params, err := json.Marshal(r.Params)
		if err != nil {
			res.add(where, "params are not JSON-encodable: %v", err)
			continue
		}
		if len(r.Params) == 0 {
			params = nil
		}
		if _, err := phase.DecodeCondition(r.Condition, params); err != nil {
			res.add(where, "%v", err)
		}
	}

	for i, d := range f.Documents {
		where := fmt.Sprintf("documents[%d]", i)
		if strings.TrimSpace(d.Title) == "" {
			res.add(where, "title is empty")
		}
		if strings.TrimSpace(d.Content) == "" {
			res.add(where, "content is empty")
		}
	}

	return res
}
