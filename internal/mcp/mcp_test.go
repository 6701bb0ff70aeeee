package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/counsel/internal/automation"
	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/db"
	"github.com/hpungsan/counsel/internal/embed"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/ops"
	"github.com/hpungsan/counsel/internal/phase"
	"github.com/hpungsan/counsel/internal/prompt"
	"github.com/hpungsan/counsel/internal/provider"
	"github.com/hpungsan/counsel/internal/rag"
	"github.com/hpungsan/counsel/internal/state"
	"github.com/hpungsan/counsel/internal/turn"
)

const toolCount = 23

// testSetup wires ops.Deps over a temporary database, the echo provider
// and the hash embedder.
func testSetup(t *testing.T) *ops.Deps {
	t.Helper()

	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := db.NewStore(database)
	log := logging.Discard()

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true // Allow temp dirs in tests

	reg := provider.NewRegistry("echo")
	reg.Register(provider.NewEcho("echo", "Echo"))
	idx := index.New(embed.NewHash(32), index.Options{ChunkSize: 200, ChunkOverlap: 20, Logger: log})
	phases := phase.NewEngine(store, phase.Options{Logger: log})
	states := state.NewStore(state.NewMemory())

	sim := automation.NewSimulator(log)
	sim.Pace = 0

	return &ops.Deps{
		Store:  store,
		Config: cfg,
		Turns:  turn.New(store, prompt.NewEngine(store, log), phases, reg, states, turn.Options{Logger: log}),
		RAG:    rag.NewService(idx, store, reg, rag.Options{Threshold: -1, Logger: log}),
		States: states,
		Phases: phases,
		Runner: automation.NewRunner(automation.Options{RetryDelay: time.Millisecond, Actions: sim.Actions(), Logger: log}),
	}
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func call(t *testing.T, h handlerFunc, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeRequest(args))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return result
}

type handlerFunc = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func TestConversationTools(t *testing.T) {
	h := NewHandlers(testSetup(t))

	created := parseOutput(t, call(t, h.HandleCreateConversation, map[string]any{"contact_name": "Ada"}))
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("conversation_create returned no id: %v", created)
	}
	if created["current_phase"] != "INFO_COLLECTION" {
		t.Errorf("current_phase = %v, want INFO_COLLECTION", created["current_phase"])
	}

	turnOut := parseOutput(t, call(t, h.HandleProcessTurn, map[string]any{
		"conversation_id":    id,
		"message":            "My email is ada@example.com",
		"store_user_message": true,
	}))
	if !strings.Contains(turnOut["content"].(string), "Echo response to:") {
		t.Errorf("content = %v", turnOut["content"])
	}

	got := parseOutput(t, call(t, h.HandleGetConversation, map[string]any{"id": id, "include_messages": true}))
	if msgs, _ := got["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}

	sum := parseOutput(t, call(t, h.HandleSummary, map[string]any{"conversation_id": id}))
	if sum["message_count"] != float64(2) {
		t.Errorf("message_count = %v, want 2", sum["message_count"])
	}
	if sum["contact_email"] != "ada@example.com" {
		t.Errorf("contact_email = %v", sum["contact_email"])
	}

	list := parseOutput(t, call(t, h.HandleListConversations, map[string]any{"limit": 10}))
	if items, _ := list["items"].([]any); len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}

	closed := parseOutput(t, call(t, h.HandleCloseConversation, map[string]any{"id": id}))
	if closed["status"] != "closed" {
		t.Errorf("status = %v, want closed", closed["status"])
	}
}

func TestHandleProcessTurn_Errors(t *testing.T) {
	h := NewHandlers(testSetup(t))

	tests := []struct {
		name string
		args map[string]any
		code errors.ErrorCode
	}{
		{"missing message", map[string]any{"conversation_id": "x"}, errors.ErrInvalidRequest},
		{"wrong type", map[string]any{"conversation_id": 42, "message": "hi"}, errors.ErrInvalidRequest},
		{"unknown conversation", map[string]any{"conversation_id": "nope", "message": "hi"}, errors.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := call(t, h.HandleProcessTurn, tc.args)
			if !result.IsError {
				t.Fatal("expected IsError=true")
			}
			assertErrorCode(t, result, string(tc.code))
		})
	}
}

func TestHandleProcessBatch(t *testing.T) {
	h := NewHandlers(testSetup(t))
	created := parseOutput(t, call(t, h.HandleCreateConversation, map[string]any{}))

	out := parseOutput(t, call(t, h.HandleProcessBatch, map[string]any{
		"requests": []any{
			map[string]any{"conversation_id": created["id"], "message": "one"},
			map[string]any{"conversation_id": "missing", "message": "two"},
		},
	}))
	if out["succeeded"] != float64(1) || out["failed"] != float64(1) {
		t.Errorf("succeeded/failed = %v/%v, want 1/1", out["succeeded"], out["failed"])
	}
	results := out["results"].([]any)
	second := results[1].(map[string]any)
	if second["code"] != string(errors.ErrNotFound) {
		t.Errorf("results[1].code = %v, want NOT_FOUND", second["code"])
	}
}

func TestKnowledgeTools(t *testing.T) {
	h := NewHandlers(testSetup(t))

	added := parseOutput(t, call(t, h.HandleAddDocument, map[string]any{
		"id":      "deposits",
		"title":   "Deposits",
		"content": "Deposits must be returned within 30 days.",
	}))
	if added["index_chunks"] != float64(1) {
		t.Errorf("index_chunks = %v, want 1", added["index_chunks"])
	}

	found := parseOutput(t, call(t, h.HandleSearch, map[string]any{"query": "deposits returned", "top_k": 2}))
	if found["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", found["count"])
	}

	ans := parseOutput(t, call(t, h.HandleAnswer, map[string]any{"query": "when are deposits returned?"}))
	if ans["provider"] != "echo" {
		t.Errorf("provider = %v, want echo", ans["provider"])
	}

	refreshed := parseOutput(t, call(t, h.HandleRefresh, nil))
	if refreshed["documents"] != float64(1) {
		t.Errorf("documents = %v, want 1", refreshed["documents"])
	}

	retired := parseOutput(t, call(t, h.HandleSetDocumentActive, map[string]any{"id": "deposits", "active": false}))
	if retired["active"] != false {
		t.Errorf("active = %v, want false", retired["active"])
	}

	assertErrorCode(t, call(t, h.HandleSearch, map[string]any{"query": ""}), string(errors.ErrInvalidRequest))
}

func TestRuleAndTemplateTools(t *testing.T) {
	h := NewHandlers(testSetup(t))

	rule := parseOutput(t, call(t, h.HandleAddRule, map[string]any{
		"from_phase":       "INFO_COLLECTION",
		"to_phase":         "CASE_ANALYSIS",
		"condition_type":   "slot_filled",
		"condition_params": map[string]any{"required_slots": []any{"email"}},
		"priority":         3,
	}))
	ruleID := rule["id"].(string)

	list := parseOutput(t, call(t, h.HandleListRules, map[string]any{"from_phase": "INFO_COLLECTION"}))
	if list["count"] != float64(1) {
		t.Errorf("count = %v, want 1", list["count"])
	}

	parseOutput(t, call(t, h.HandleSetRuleActive, map[string]any{"id": ruleID, "active": false}))
	list = parseOutput(t, call(t, h.HandleListRules, map[string]any{}))
	if list["count"] != float64(0) {
		t.Errorf("count after disable = %v, want 0", list["count"])
	}

	assertErrorCode(t, call(t, h.HandleAddRule, map[string]any{
		"from_phase": "A", "to_phase": "B", "condition_type": "astrology",
	}), string(errors.ErrInvalidRequest))

	tmpl := parseOutput(t, call(t, h.HandleAddTemplate, map[string]any{"phase": "CASE_ANALYSIS", "content": "Assess."}))
	if tmpl["version"] != float64(1) {
		t.Errorf("version = %v, want 1", tmpl["version"])
	}
	got := parseOutput(t, call(t, h.HandleGetTemplate, map[string]any{"phase": "case_analysis"}))
	if got["content"] != "Assess." {
		t.Errorf("content = %v", got["content"])
	}
	assertErrorCode(t, call(t, h.HandleGetTemplate, map[string]any{"phase": "SALES_CONVERSION"}), string(errors.ErrNotFound))
}

func TestHandleSeed(t *testing.T) {
	h := NewHandlers(testSetup(t))

	out := parseOutput(t, call(t, h.HandleSeed, map[string]any{
		"content": "templates:\n  - phase: INFO_COLLECTION\n    content: Collect facts.\n",
		"dry_run": true,
	}))
	if out["applied"] != false {
		t.Errorf("applied = %v, want false on dry run", out["applied"])
	}
	lint := out["lint"].(map[string]any)
	if lint["valid"] != true {
		t.Errorf("lint.valid = %v, want true", lint["valid"])
	}
}

func TestAutomationTools(t *testing.T) {
	h := NewHandlers(testSetup(t))

	res := parseOutput(t, call(t, h.HandleRunWorkflow, map[string]any{
		"workflow_id": "wf-7",
		"steps": []any{
			map[string]any{"id": "pause", "action": "wait", "parameters": map[string]any{"seconds": 0}},
			map[string]any{"id": "skip", "action": "wait", "condition": "false"},
		},
	}))
	if res["workflow_id"] != "wf-7" || res["success"] != true {
		t.Errorf("result = %v", res)
	}

	st := parseOutput(t, call(t, h.HandleAutomationStatus, nil))
	if caps, _ := st["capabilities"].([]any); len(caps) == 0 {
		t.Error("expected capabilities")
	}

	assertErrorCode(t, call(t, h.HandleStopWorkflow, map[string]any{"workflow_id": "wf-7"}), string(errors.ErrNotFound))
}

func TestHandleHealth(t *testing.T) {
	h := NewHandlers(testSetup(t))
	out := parseOutput(t, call(t, h.HandleHealth, nil))
	if out["healthy"] != true {
		t.Errorf("healthy = %v, want true", out["healthy"])
	}
}

func TestServerRegistration(t *testing.T) {
	s := NewServer(testSetup(t), "test")
	tools := s.ListTools()
	if len(tools) != toolCount {
		t.Errorf("registered tool count = %d, want %d", len(tools), toolCount)
	}
	for _, name := range []string{"turn_process", "knowledge_search", "knowledge_answer", "automation_run", "seed_apply"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	deps := testSetup(t)
	deps.Config.DisabledTools = []string{"automation_run", "automation_stop", "seed_apply", "seed_apply"}
	tools := NewServer(deps, "test").ListTools()

	if len(tools) != toolCount-3 {
		t.Errorf("registered tool count = %d, want %d", len(tools), toolCount-3)
	}
	for _, name := range []string{"automation_run", "automation_stop", "seed_apply"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	deps := testSetup(t)
	deps.Config.DisabledTools = AllToolNames()
	if tools := NewServer(deps, "test").ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{"all valid", []string{"automation_run", "seed_apply"}, 0},
		{"one unknown", []string{"automation_run", "memo_store"}, 1},
		{"all unknown", []string{"foo", "bar", "baz"}, 3},
		{"empty list", []string{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unknown := ValidateDisabledTools(tt.input); len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestAllToolNames(t *testing.T) {
	names := AllToolNames()
	if len(names) != toolCount {
		t.Errorf("AllToolNames() returned %d names, want %d", len(names), toolCount)
	}
	if !sort.StringsAreSorted(names) {
		t.Error("AllToolNames() should be sorted")
	}
	if unknown := ValidateDisabledTools(names); len(unknown) != 0 {
		t.Errorf("AllToolNames() returned invalid names: %v", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("sql error: open /tmp/secret.db: permission denied")))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}
	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if strings.Contains(errObj["message"].(string), "secret.db") {
		t.Errorf("INTERNAL message leaked: %v", errObj["message"])
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
}

func TestErrorResult_PlainErrorIsGeneric(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("dial tcp 10.0.0.1: refused")))
	if errObj["code"] != string(errors.ErrInternal) || errObj["message"] != "an internal error occurred" {
		t.Errorf("got %v", errObj)
	}
}

func TestErrorResult_WrappedErrorPreservesContext(t *testing.T) {
	r := errorResult(fmt.Errorf("requests[2]: %w", errors.NewInvalidRequest("message is required")))
	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInvalidRequest) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrInvalidRequest)
	}
	if msg := errObj["message"].(string); msg != "requests[2]: message is required" {
		t.Errorf("message = %q", msg)
	}
}

func TestErrorResult_NonInternalIncludesDetails(t *testing.T) {
	errObj := errorObject(t, errorResult(errors.NewNotFound("conversation", "abc")))
	if errObj["code"] != string(errors.ErrNotFound) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	if errObj["status"] != float64(404) {
		t.Errorf("status = %v, want 404", errObj["status"])
	}
	if _, ok := errObj["details"]; !ok {
		t.Fatal("expected non-INTERNAL errors to include details when present")
	}
}

// Helper functions

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func errorObject(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in payload: %v", payload)
	}
	return errObj
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()
	if !result.IsError {
		t.Errorf("expected error %s, got success: %s", expectedCode, extractErrorMessage(result))
		return
	}
	if code := errorObject(t, result)["code"]; code != expectedCode {
		t.Errorf("got error code %v, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
