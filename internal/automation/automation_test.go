package automation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/counsel/internal/logging"
)

func TestEvalCondition(t *testing.T) {
	vars := map[string]any{"mode": "auto", "count": 3, "enabled": true, "empty": ""}
	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"YES", true},
		{"1", true},
		{"0", false},
		{"no", false},
		{"enabled", true},
		{"empty", false},
		{"mode == 'auto'", true},
		{`mode != "auto"`, false},
		{"count == 3", true},
		{"count == '3.0'", true},
		{"!enabled || mode == 'auto'", true},
		{"enabled && (count == 2 || mode == auto)", true},
		{"!(enabled && count == 3)", false},
		{"manual == 'manual'", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalCondition_Placeholders(t *testing.T) {
	vars := map[string]any{"msg": "approve", "count": 3, "reply.status": "sent"}
	tests := []struct {
		expr string
		want bool
	}{
		{`"{{msg}}" == "approve"`, true},
		{`{{msg}} == 'approve'`, true},
		{`{{ count }} == 3`, true},
		{`{{reply.status}} != 'sent'`, false},
		{`"re: {{msg}}" == 're: approve'`, true},
		{`{{missing}} == '{{missing}}'`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := EvalCondition("{{msg == 'x'", vars)
	assert.Error(t, err)
}

func TestEvalCondition_VariableCannotRewriteExpression(t *testing.T) {
	hostile := map[string]any{"msg": `x" == "x" || "a`}
	for _, expr := range []string{`"{{msg}}" == "approve"`, `{{msg}} == "approve"`, `'{{msg}}' == 'approve'`} {
		got, err := EvalCondition(expr, hostile)
		require.NoError(t, err, "expr %q", expr)
		assert.False(t, got, "expr %q", expr)
	}

	got, err := EvalCondition(`{{msg}}`, map[string]any{"msg": "false || true"})
	require.NoError(t, err)
	assert.True(t, got, "a non-empty string value is truthy, not re-parsed")
	got, err = EvalCondition(`{{msg}} == 'false || true'`, map[string]any{"msg": "false || true"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalCondition_Malformed(t *testing.T) {
	for _, expr := range []string{"", "mode ==", "(true", "a & b", "'open", "true true", "__import__('os').system('x') == 1"} {
		got, err := EvalCondition(expr, nil)
		assert.Error(t, err, "expr %q", expr)
		assert.False(t, got)
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]any{"name": "Ada", "greet.text": "hi", "n": 2}
	in := map[string]any{
		"message": "{{ name }} says {{greet.text}} x{{n}}",
		"keep":    "{{missing}} stays",
		"nested":  []any{"{{name}}", 5},
		"open":    "{{unterminated",
	}
	out := substitute(in, vars).(map[string]any)
	assert.Equal(t, "Ada says hi x2", out["message"])
	assert.Equal(t, "{{missing}} stays", out["keep"])
	assert.Equal(t, []any{"Ada", 5}, out["nested"])
	assert.Equal(t, "{{unterminated", out["open"])
	assert.Equal(t, "{{name}} says {{greet.text}} x{{n}}", in["message"], "input must not be mutated")
}

func instantRunner(actions map[string]Action) *Runner {
	return NewRunner(Options{
		RetryDelay: time.Millisecond,
		Actions:    actions,
		Logger:     logging.Discard(),
	})
}

func TestRunner_SendMessageTemplate(t *testing.T) {
	sim := &Simulator{Logger: logging.Discard()}
	r := instantRunner(sim.Actions())

	res := r.Execute(context.Background(), Workflow{Template: "send_message"}, RunContext{
		Variables: map[string]any{"contact_name": "Ada", "message": "your hearing is Monday"},
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "send_message", res.Results[2].StepID)

	hist := sim.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "your hearing is Monday", hist[0]["message"])
	assert.Equal(t, "Ada", hist[0]["contact_name"])
	assert.Empty(t, r.Active())
}

func TestRunner_AutoReplyUsesPreviousStepData(t *testing.T) {
	sim := &Simulator{Logger: logging.Discard()}
	r := instantRunner(sim.Actions())

	res := r.Execute(context.Background(), Workflow{Template: "auto_reply"}, RunContext{})
	require.True(t, res.Success, res.Error)

	hist := sim.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "incoming", hist[0]["direction"])
	assert.Equal(t, "outgoing", hist[1]["direction"])
	assert.Equal(t, "Hello! How can I help you today?", hist[1]["message"])
	assert.Equal(t, "Test User", hist[1]["contact_name"])
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	r := instantRunner(map[string]Action{
		"flaky": func(ctx context.Context, p map[string]any) (StepResult, error) {
			if calls.Add(1) < 3 {
				return StepResult{}, fmt.Errorf("not yet")
			}
			return StepResult{Success: true, Data: "ok"}, nil
		},
	})
	res := r.Execute(context.Background(), Workflow{Steps: []Step{{ID: "a", Action: "flaky"}}}, RunContext{})
	assert.True(t, res.Success)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunner_FailureStopsWorkflow(t *testing.T) {
	var second atomic.Bool
	r := instantRunner(map[string]Action{
		"bad": func(ctx context.Context, p map[string]any) (StepResult, error) {
			return StepResult{Success: false, Error: "element missing"}, nil
		},
		"good": func(ctx context.Context, p map[string]any) (StepResult, error) {
			second.Store(true)
			return StepResult{Success: true}, nil
		},
	})
	res := r.Execute(context.Background(), Workflow{Steps: []Step{
		{ID: "one", Action: "bad", RetryCount: 2},
		{ID: "two", Action: "good"},
	}}, RunContext{})
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "step one failed: element missing", res.Error)
	assert.False(t, second.Load())
}

func TestRunner_StepTimeout(t *testing.T) {
	var calls atomic.Int32
	r := instantRunner(map[string]Action{
		"hang": func(ctx context.Context, p map[string]any) (StepResult, error) {
			calls.Add(1)
			<-ctx.Done()
			return StepResult{}, ctx.Err()
		},
	})
	res := r.Execute(context.Background(), Workflow{Steps: []Step{
		{ID: "h", Action: "hang", Timeout: 0.02, RetryCount: 2},
	}}, RunContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out after 0.02 seconds")
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunner_Conditions(t *testing.T) {
	var ran []string
	record := func(name string) Action {
		return func(ctx context.Context, p map[string]any) (StepResult, error) {
			ran = append(ran, name)
			return StepResult{Success: true, Data: map[string]any{"status": "sent"}}, nil
		}
	}
	r := instantRunner(map[string]Action{"a": record("a"), "b": record("b"), "c": record("c"), "d": record("d")})
	res := r.Execute(context.Background(), Workflow{Steps: []Step{
		{ID: "first", Action: "a"},
		{ID: "second", Action: "b", Condition: "{{first.status}} == 'sent'"},
		{ID: "third", Action: "c", Condition: "mode == 'manual'"},
		{ID: "fourth", Action: "d", Condition: "this is ( not valid"},
	}}, RunContext{Variables: map[string]any{"mode": "auto"}})
	require.True(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, ran)
	require.Len(t, res.Results, 4)
	assert.True(t, res.Results[2].Skipped)
	assert.True(t, res.Results[3].Skipped)
}

func TestRunner_ConditionIgnoresHostileVariable(t *testing.T) {
	var sent atomic.Bool
	r := instantRunner(map[string]Action{
		"send": func(ctx context.Context, p map[string]any) (StepResult, error) {
			sent.Store(true)
			return StepResult{Success: true}, nil
		},
	})
	res := r.Execute(context.Background(), Workflow{Steps: []Step{
		{ID: "guarded", Action: "send", Condition: `"{{msg}}" == "approve"`},
	}}, RunContext{Variables: map[string]any{"msg": `x" == "x" || "a`}})
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Skipped)
	assert.False(t, sent.Load())
}

func TestRunner_BadWorkflows(t *testing.T) {
	r := instantRunner(map[string]Action{})
	res := r.Execute(context.Background(), Workflow{Template: "dance"}, RunContext{})
	assert.False(t, res.Success)
	assert.Equal(t, "unknown workflow template: dance", res.Error)

	res = r.Execute(context.Background(), Workflow{}, RunContext{})
	assert.Equal(t, "workflow has no steps", res.Error)

	res = r.Execute(context.Background(), Workflow{Steps: []Step{{ID: "x", Action: "teleport"}}}, RunContext{})
	assert.Equal(t, "step x failed: unknown action: teleport", res.Error)
}

func TestRunner_StopAndStatus(t *testing.T) {
	started := make(chan struct{})
	r := instantRunner(map[string]Action{
		"block": func(ctx context.Context, p map[string]any) (StepResult, error) {
			close(started)
			<-ctx.Done()
			return StepResult{}, ctx.Err()
		},
	})

	done := make(chan Result, 1)
	go func() {
		done <- r.ExecuteID(context.Background(), "wf-1", Workflow{Steps: []Step{{ID: "b", Action: "block"}}},
			RunContext{SessionID: "s1", UserID: "u1"})
	}()
	<-started

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "wf-1", active[0].WorkflowID)
	assert.Equal(t, "s1", active[0].SessionID)
	assert.Equal(t, StatusRunning, active[0].Status)

	st := r.Status()
	assert.Contains(t, st.Capabilities, "auto_reply")
	assert.Contains(t, st.Capabilities, "block")

	assert.False(t, r.Stop("nope"))
	assert.Equal(t, 1, r.StopAll())

	select {
	case res := <-done:
		assert.Equal(t, StatusStopped, res.Status)
		assert.False(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not stop")
	}
	assert.Empty(t, r.Active())
}

func TestSimulator_GenerateReply(t *testing.T) {
	sim := &Simulator{}
	tests := map[string]string{
		"hi there":           "Hello! How can I help you today?",
		"thank you so much":  "You're welcome!",
		"I need help":        "I'm here to help! What do you need assistance with?",
		"ok bye":             "Goodbye! Have a great day!",
		"this is about rent": "Thanks for your message!",
	}
	for in, want := range tests {
		res, err := sim.generateReply(context.Background(), map[string]any{"message": in})
		require.NoError(t, err)
		assert.Equal(t, want, res.Data.(map[string]any)["reply_message"], in)
	}
}

func TestSimulator_Validation(t *testing.T) {
	sim := &Simulator{}
	for name, params := range map[string]map[string]any{
		"search_contact": {},
		"send_message":   {"message": ""},
		"click_element":  {"x": 1},
		"find_element":   {},
	} {
		res, err := sim.Actions()[name](context.Background(), params)
		require.NoError(t, err)
		assert.False(t, res.Success, name)
		assert.True(t, strings.Contains(res.Error, "required"), name)
	}
}
