package ops

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/counsel/internal/automation"
	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/db"
	"github.com/hpungsan/counsel/internal/embed"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/phase"
	"github.com/hpungsan/counsel/internal/prompt"
	"github.com/hpungsan/counsel/internal/provider"
	"github.com/hpungsan/counsel/internal/rag"
	"github.com/hpungsan/counsel/internal/state"
	"github.com/hpungsan/counsel/internal/turn"
)

// newDeps wires every service against a fresh SQLite database, the echo
// provider and the hash embedder.
func newDeps(t *testing.T) *Deps {
	t.Helper()
	sqlDB, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	store := db.NewStore(sqlDB)
	cfg := config.DefaultConfig()
	log := logging.Discard()

	reg := provider.NewRegistry("echo")
	reg.Register(provider.NewEcho("echo", "Echo"))

	idx := index.New(embed.NewHash(64), index.Options{ChunkSize: 200, ChunkOverlap: 20, Logger: log})
	svc := rag.NewService(idx, store, reg, rag.Options{TopK: 3, Threshold: -1, Logger: log})
	phases := phase.NewEngine(store, phase.Options{Logger: log})
	states := state.NewStore(state.NewMemory())
	turns := turn.New(store, prompt.NewEngine(store, log), phases, reg, states, turn.Options{Logger: log})

	sim := automation.NewSimulator(log)
	sim.Pace = 0
	runner := automation.NewRunner(automation.Options{
		RetryDelay: time.Millisecond,
		Actions:    sim.Actions(),
		Logger:     log,
	})

	return &Deps{
		Store:  store,
		Config: cfg,
		Turns:  turns,
		RAG:    svc,
		States: states,
		Phases: phases,
		Runner: runner,
	}
}

func newConversation(t *testing.T, d *Deps) *conversation.Conversation {
	t.Helper()
	c, err := CreateConversation(context.Background(), d, CreateConversationInput{})
	require.NoError(t, err)
	return c
}

func TestCreateConversation(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	c, err := CreateConversation(ctx, d, CreateConversationInput{ContactName: " Ada ", ContactEmail: "ada@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, conversation.PhaseInfoCollection, c.CurrentPhase)
	assert.Equal(t, conversation.StatusActive, c.Status)
	assert.Equal(t, "Ada", c.ContactName)

	c, err = CreateConversation(ctx, d, CreateConversationInput{Phase: "case_analysis"})
	require.NoError(t, err)
	assert.Equal(t, conversation.PhaseCaseAnalysis, c.CurrentPhase)
}

func TestCreateConversation_Invalid(t *testing.T) {
	d := newDeps(t)
	tests := []struct {
		name  string
		input CreateConversationInput
	}{
		{"bad phase", CreateConversationInput{Phase: "phase-1"}},
		{"bad email", CreateConversationInput{ContactEmail: "not an email"}},
		{"email with trailing text", CreateConversationInput{ContactEmail: "ada@example.com please"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CreateConversation(context.Background(), d, tc.input)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestGetConversation(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	c := newConversation(t, d)

	_, err := ProcessTurn(ctx, d, ProcessTurnInput{ConversationID: c.ID, Message: "hello", StoreUserMessage: true})
	require.NoError(t, err)

	out, err := GetConversation(ctx, d, GetConversationInput{ID: c.ID})
	require.NoError(t, err)
	assert.Nil(t, out.Messages)

	out, err = GetConversation(ctx, d, GetConversationInput{ID: c.ID, IncludeMessages: true})
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, conversation.RoleUser, out.Messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, out.Messages[1].Role)

	out, err = GetConversation(ctx, d, GetConversationInput{ID: c.ID, IncludeMessages: true, HistoryLimit: 1})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, conversation.RoleAssistant, out.Messages[0].Role)

	_, err = GetConversation(ctx, d, GetConversationInput{ID: "missing"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = GetConversation(ctx, d, GetConversationInput{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestListConversations_Pagination(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	for range 3 {
		newConversation(t, d)
	}

	out, err := ListConversations(ctx, d, ListConversationsInput{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out.Items, 2)
	assert.True(t, out.Pagination.HasMore)
	assert.Equal(t, "updated_at_desc", out.Sort)

	out, err = ListConversations(ctx, d, ListConversationsInput{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, out.Items, 1)
	assert.False(t, out.Pagination.HasMore)

	out, err = ListConversations(ctx, d, ListConversationsInput{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, out.Pagination.Limit)

	_, err = ListConversations(ctx, d, ListConversationsInput{Status: "archived"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCloseConversation(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	c := newConversation(t, d)
	newConversation(t, d)

	closed, err := CloseConversation(ctx, d, c.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusClosed, closed.Status)

	_, err = CloseConversation(ctx, d, c.ID)
	require.NoError(t, err, "closing twice is not an error")

	out, err := ListConversations(ctx, d, ListConversationsInput{Status: "closed"})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, c.ID, out.Items[0].ID)

	_, err = CloseConversation(ctx, d, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestProcessTurn(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	c := newConversation(t, d)

	res, err := ProcessTurn(ctx, d, ProcessTurnInput{
		ConversationID: c.ID,
		Message:        "My landlord kept my deposit. Email me at ada@example.com",
		Provider:       " ECHO ",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Echo response to:")
	assert.Equal(t, "ada@example.com", res.Slots["email"])
	assert.Equal(t, "echo", res.Metadata["provider"])
}

func TestProcessTurn_Validation(t *testing.T) {
	d := newDeps(t)
	c := newConversation(t, d)
	tests := []struct {
		name  string
		input ProcessTurnInput
		code  errors.ErrorCode
	}{
		{"missing conversation id", ProcessTurnInput{Message: "hi"}, errors.ErrInvalidRequest},
		{"blank message", ProcessTurnInput{ConversationID: c.ID, Message: "  "}, errors.ErrInvalidRequest},
		{"message too long", ProcessTurnInput{ConversationID: c.ID, Message: strings.Repeat("a", MaxMessageChars+1)}, errors.ErrInvalidRequest},
		{"bad phase", ProcessTurnInput{ConversationID: c.ID, Message: "hi", CurrentPhase: "x-y"}, errors.ErrInvalidRequest},
		{"unknown conversation", ProcessTurnInput{ConversationID: "nope", Message: "hi"}, errors.ErrNotFound},
		{"unknown provider", ProcessTurnInput{ConversationID: c.ID, Message: "hi", Provider: "claude"}, errors.ErrConfiguration},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ProcessTurn(context.Background(), d, tc.input)
			assert.True(t, errors.Is(err, tc.code), "got %v, want %s", err, tc.code)
		})
	}
}

func TestProcessTurn_NotConfigured(t *testing.T) {
	d := newDeps(t)
	d.Turns = nil
	_, err := ProcessTurn(context.Background(), d, ProcessTurnInput{ConversationID: "x", Message: "hi"})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestProcessBatch(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	c1 := newConversation(t, d)
	c2 := newConversation(t, d)

	out, err := ProcessBatch(ctx, d, BatchInput{Requests: []ProcessTurnInput{
		{ID: "a", ConversationID: c1.ID, Message: "first"},
		{ID: "b", ConversationID: c2.ID, Message: ""},
		{ID: "c", ConversationID: "missing", Message: "third"},
		{ID: "d", ConversationID: c2.ID, Message: "fourth"},
	}})
	require.NoError(t, err)
	require.Len(t, out.Results, 4)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 2, out.Failed)

	for i, r := range out.Results {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, "a", out.Results[0].RequestID)
	require.NotNil(t, out.Results[0].Result)
	assert.Contains(t, out.Results[0].Result.Content, "first")
	assert.Equal(t, string(errors.ErrInvalidRequest), out.Results[1].Code)
	assert.Equal(t, string(errors.ErrNotFound), out.Results[2].Code)
	require.NotNil(t, out.Results[3].Result)
	assert.Contains(t, out.Results[3].Result.Content, "fourth")
}

func TestProcessBatch_Bounds(t *testing.T) {
	d := newDeps(t)
	_, err := ProcessBatch(context.Background(), d, BatchInput{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	reqs := make([]ProcessTurnInput, MaxBatchItems+1)
	_, err = ProcessBatch(context.Background(), d, BatchInput{Requests: reqs})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestSummary(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	c := newConversation(t, d)

	out, err := Summary(ctx, d, c.ID)
	require.NoError(t, err)
	assert.Zero(t, out.MessageCount)
	assert.Nil(t, out.State)

	_, err = ProcessTurn(ctx, d, ProcessTurnInput{ConversationID: c.ID, Message: "reach me at ada@example.com", StoreUserMessage: true})
	require.NoError(t, err)

	out, err = Summary(ctx, d, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.MessageCount)
	assert.Equal(t, "ada@example.com", out.ContactEmail)
	require.NotNil(t, out.State)
	assert.Equal(t, 1, out.State.Turns)
}

func TestHealth(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	_, err := AddDocument(ctx, d, AddDocumentInput{Title: "Deposits", Content: "Landlords must return deposits."})
	require.NoError(t, err)

	out, err := Health(ctx, d)
	require.NoError(t, err)
	assert.True(t, out.Healthy)
	assert.True(t, out.Database)
	assert.True(t, out.Providers["echo"])
	assert.Equal(t, 1, out.IndexChunks)
	assert.Equal(t, 64, out.IndexDimension)
}

func TestKnowledge_AddSearchRetire(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	add, err := AddDocument(ctx, d, AddDocumentInput{
		ID:      "deposit-law",
		Title:   "Security deposits",
		Content: "A landlord must return the security deposit within 30 days.",
	})
	require.NoError(t, err)
	assert.Equal(t, "deposit-law", add.ID)
	assert.Equal(t, 1, add.IndexChunks)

	_, err = AddDocument(ctx, d, AddDocumentInput{Title: "Parking", Content: "Tickets are issued for expired meters."})
	require.NoError(t, err)

	res, err := SearchDocuments(ctx, d, SearchInput{Query: "security deposit landlord", TopK: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "deposit-law", res.Results[0].Chunk.SourceID)

	doc, err := SetDocumentActive(ctx, d, SetDocumentActiveInput{ID: "deposit-law", Active: false})
	require.NoError(t, err)
	assert.False(t, doc.Active)

	res, err = SearchDocuments(ctx, d, SearchInput{Query: "security deposit landlord"})
	require.NoError(t, err)
	for _, r := range res.Results {
		assert.NotEqual(t, "deposit-law", r.Chunk.SourceID)
	}

	_, err = SetDocumentActive(ctx, d, SetDocumentActiveInput{ID: "missing"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestKnowledge_Validation(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	_, err := SearchDocuments(ctx, d, SearchInput{Query: "  "})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = AddDocument(ctx, d, AddDocumentInput{Title: "No content"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = AnswerWithRetrieval(ctx, d, AnswerInput{Query: ""})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	d.RAG = nil
	_, err = SearchDocuments(ctx, d, SearchInput{Query: "deposit"})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestAnswerWithRetrieval(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	_, err := AddDocument(ctx, d, AddDocumentInput{Title: "Deposits", Content: "Deposits are returned within 30 days."})
	require.NoError(t, err)

	ans, err := AnswerWithRetrieval(ctx, d, AnswerInput{Query: "when are deposits returned", Context: "user: hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo", ans.Provider)
	assert.Contains(t, ans.Response, "Retrieved Legal Documents:")
	assert.Contains(t, ans.ContextUsed, "Deposits are returned within 30 days.")
}

func TestRefreshIndex(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()
	require.NoError(t, d.Store.InsertDocument(ctx, &conversation.Document{Title: "Late rent", Content: "Late fees are capped."}))

	out, err := RefreshIndex(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Documents)
	assert.Equal(t, 1, out.Chunks)
	assert.Equal(t, 64, out.Dimension)
}

func TestRules(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	r, err := AddRule(ctx, d, AddRuleInput{
		FromPhase:       "info_collection",
		ToPhase:         "case_analysis",
		ConditionType:   "Message_Count",
		ConditionParams: json.RawMessage(`{"min_count": 4}`),
		Priority:        5,
	})
	require.NoError(t, err)
	assert.Equal(t, "INFO_COLLECTION", r.FromPhase)
	assert.Equal(t, "message_count", r.ConditionType)

	_, err = AddRule(ctx, d, AddRuleInput{FromPhase: "CASE_ANALYSIS", ToPhase: "SALES_CONVERSION", ConditionType: "keyword_match",
		ConditionParams: json.RawMessage(`{"keywords": ["hire"]}`)})
	require.NoError(t, err)

	out, err := ListRules(ctx, d, ListRulesInput{FromPhase: "info_collection"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, r.ID, out.Rules[0].ID)

	_, err = SetRuleActive(ctx, d, SetRuleActiveInput{ID: r.ID, Active: false})
	require.NoError(t, err)

	out, err = ListRules(ctx, d, ListRulesInput{FromPhase: "INFO_COLLECTION"})
	require.NoError(t, err)
	assert.Zero(t, out.Count)

	out, err = ListRules(ctx, d, ListRulesInput{IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)

	_, err = SetRuleActive(ctx, d, SetRuleActiveInput{ID: "missing", Active: true})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestAddRule_Invalid(t *testing.T) {
	d := newDeps(t)
	tests := []struct {
		name  string
		input AddRuleInput
	}{
		{"missing to", AddRuleInput{FromPhase: "A", ConditionType: "message_count"}},
		{"loop", AddRuleInput{FromPhase: "A", ToPhase: "A", ConditionType: "message_count"}},
		{"unknown kind", AddRuleInput{FromPhase: "A", ToPhase: "B", ConditionType: "vibes"}},
		{"bad params", AddRuleInput{FromPhase: "A", ToPhase: "B", ConditionType: "message_count", ConditionParams: json.RawMessage(`{"min_count": "x"}`)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := AddRule(context.Background(), d, tc.input)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestTemplates(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	t1, err := AddTemplate(ctx, d, AddTemplateInput{Phase: "case_analysis", Content: "Analyse the case."})
	require.NoError(t, err)
	assert.Equal(t, 1, t1.Version)

	t2, err := AddTemplate(ctx, d, AddTemplateInput{Phase: "CASE_ANALYSIS", Content: "Analyse carefully."})
	require.NoError(t, err)
	assert.Equal(t, 2, t2.Version)

	got, err := GetTemplate(ctx, d, GetTemplateInput{Phase: "case_analysis"})
	require.NoError(t, err)
	assert.Equal(t, "Analyse carefully.", got.Content)

	_, err = AddTemplate(ctx, d, AddTemplateInput{Phase: "CASE_ANALYSIS", Content: "dup", Version: 2})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = AddTemplate(ctx, d, AddTemplateInput{Phase: "CASE_ANALYSIS", Content: " "})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = GetTemplate(ctx, d, GetTemplateInput{Phase: "SALES_CONVERSION"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRunWorkflow(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	res, err := RunWorkflow(ctx, d, RunWorkflowInput{
		WorkflowID: "wf-1",
		Template:   "send_message",
		Variables:  map[string]any{"contact_name": "Ada", "message": "Hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, automation.StatusCompleted, res.Status)

	res, err = RunWorkflow(ctx, d, RunWorkflowInput{Steps: []automation.Step{{ID: "s1", Action: "launch_rocket"}}})
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = RunWorkflow(ctx, d, RunWorkflowInput{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = RunWorkflow(ctx, d, RunWorkflowInput{Template: "send_message", Steps: []automation.Step{{ID: "x", Action: "wait"}}})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestStopWorkflowAndStatus(t *testing.T) {
	d := newDeps(t)
	ctx := context.Background()

	_, err := StopWorkflow(ctx, d, StopWorkflowInput{WorkflowID: "nothing"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	st, err := AutomationStatus(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, st.ActiveWorkflows)
	assert.Contains(t, st.Capabilities, "send_message")

	d.Runner = nil
	_, err = AutomationStatus(ctx, d)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
