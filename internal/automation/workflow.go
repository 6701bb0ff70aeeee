// Package automation runs desktop-automation workflows: ordered steps of
// named actions with retries, timeouts, placeholder substitution and
// conditions. A websocket client lets a remote orchestrator drive it.
package automation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Step is one action invocation within a workflow.
type Step struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// Timeout is in seconds. Zero uses the runner default.
	Timeout    float64 `json:"timeout,omitempty"`
	RetryCount int     `json:"retry_count,omitempty"`
	Condition  string  `json:"condition,omitempty"`
}

// Workflow selects a named template or lists its own steps.
type Workflow struct {
	Template string `json:"template,omitempty"`
	Steps    []Step `json:"steps,omitempty"`
}

// RunContext carries caller identity and the variables available to
// placeholders and conditions.
type RunContext struct {
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// StepResult is what an action reports.
type StepResult struct {
	StepID  string `json:"step_id,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Result is the outcome of a whole workflow.
type Result struct {
	WorkflowID string       `json:"workflow_id"`
	Success    bool         `json:"success"`
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	Results    []StepResult `json:"results"`
}

// Workflow statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Template is a named, reusable list of steps.
type Template struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// Templates are the built-in workflows. Step data is addressable as
// {{step_id.field}} by later steps.
var Templates = map[string]Template{
	"send_message": {
		Name:        "Send Message",
		Description: "Send a message to a contact",
		Steps: []Step{
			{ID: "open_app", Action: "open_application", Parameters: map[string]any{"app_name": "WeChat"}},
			{ID: "search_contact", Action: "search_contact", Parameters: map[string]any{"contact_name": "{{contact_name}}"}},
			{ID: "send_message", Action: "send_message", Parameters: map[string]any{"message": "{{message}}", "contact_name": "{{contact_name}}"}},
		},
	},
	"receive_message": {
		Name:        "Monitor Messages",
		Description: "Wait for an incoming message",
		Steps: []Step{
			{ID: "monitor_messages", Action: "monitor_messages", Parameters: map[string]any{"timeout": 60}},
		},
	},
	"auto_reply": {
		Name:        "Auto Reply",
		Description: "Reply automatically to the next incoming message",
		Steps: []Step{
			{ID: "monitor_messages", Action: "monitor_messages", Parameters: map[string]any{"timeout": 60}},
			{ID: "generate_reply", Action: "generate_reply", Parameters: map[string]any{"message": "{{monitor_messages.message}}"}},
			{ID: "send_reply", Action: "send_message", Parameters: map[string]any{
				"message":      "{{generate_reply.reply_message}}",
				"contact_name": "{{monitor_messages.contact_name}}",
			}},
		},
	},
}

// TemplateNames returns the built-in template names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(Templates))
	for n := range Templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolveSteps expands w into concrete steps with defaults applied.
func resolveSteps(w Workflow, defTimeout time.Duration, defRetries int) ([]Step, error) {
	src := w.Steps
	if w.Template != "" {
		t, ok := Templates[w.Template]
		if !ok {
			return nil, fmt.Errorf("unknown workflow template: %s", w.Template)
		}
		src = t.Steps
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("workflow has no steps")
	}

	steps := make([]Step, len(src))
	for i, s := range src {
		if s.Action == "" {
			return nil, fmt.Errorf("step %d has no action", i)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", i+1)
		}
		if s.Timeout <= 0 {
			s.Timeout = defTimeout.Seconds()
		}
		if s.RetryCount <= 0 {
			s.RetryCount = defRetries
		}
		steps[i] = s
	}
	return steps, nil
}

// substitute replaces {{name}} placeholders in every string reachable from
// v. Unknown placeholders are left in place.
func substitute(v any, vars map[string]any) any {
	switch x := v.(type) {
	case string:
		return substituteString(x, vars)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = substitute(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = substitute(val, vars)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(s[start+2:], "}}")
		if end < 0 {
			break
		}
		name := strings.TrimSpace(s[start+2 : start+2+end])
		b.WriteString(s[:start])
		if val, ok := vars[name]; ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(s[start : start+2+end+2])
		}
		s = s[start+2+end+2:]
	}
	b.WriteString(s)
	return b.String()
}

// scope builds the placeholder namespace: run variables, then each
// completed step's data under its ID and, for map data, under
// "id.field".
func scope(vars map[string]any, done []StepResult) map[string]any {
	out := make(map[string]any, len(vars)+len(done))
	for k, v := range vars {
		out[k] = v
	}
	for _, r := range done {
		if r.Data == nil || r.StepID == "" {
			continue
		}
		out[r.StepID] = r.Data
		if m, ok := r.Data.(map[string]any); ok {
			for k, v := range m {
				out[r.StepID+"."+k] = v
			}
		}
	}
	return out
}
