package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/ops"
)

// Handlers adapts ops to MCP tool handlers.
type Handlers struct {
	deps *ops.Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps *ops.Deps) *Handlers {
	return &Handlers{deps: deps}
}

// IDRequest is the argument shape of tools that take only an ID.
type IDRequest struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// run decodes the arguments into In and calls op.
func run[In, Out any](ctx context.Context, req mcp.CallToolRequest, deps *ops.Deps,
	op func(context.Context, *ops.Deps, In) (Out, error)) (*mcp.CallToolResult, error) {
	input, err := decode[In](req)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := op(ctx, deps, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

func (h *Handlers) HandleProcessTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.ProcessTurn)
}

func (h *Handlers) HandleProcessBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.ProcessBatch)
}

func (h *Handlers) HandleCreateConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.CreateConversation)
}

func (h *Handlers) HandleGetConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.GetConversation)
}

func (h *Handlers) HandleListConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.ListConversations)
}

// HandleCloseConversation handles conversation_close.
func (h *Handlers) HandleCloseConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.CloseConversation(ctx, h.deps, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSummary handles conversation_summary.
func (h *Handlers) HandleSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Summary(ctx, h.deps, input.ConversationID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.ExportTranscript)
}

func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.SearchDocuments)
}

func (h *Handlers) HandleAnswer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.AnswerWithRetrieval)
}

func (h *Handlers) HandleAddDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.AddDocument)
}

func (h *Handlers) HandleSetDocumentActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.SetDocumentActive)
}

func (h *Handlers) HandleRefresh(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.RefreshIndex(ctx, h.deps)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.ListRules)
}

func (h *Handlers) HandleAddRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.AddRule)
}

func (h *Handlers) HandleSetRuleActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.SetRuleActive)
}

func (h *Handlers) HandleAddTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.AddTemplate)
}

func (h *Handlers) HandleGetTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.GetTemplate)
}

func (h *Handlers) HandleSeed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.ApplySeed)
}

func (h *Handlers) HandleRunWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.RunWorkflow)
}

func (h *Handlers) HandleStopWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return run(ctx, req, h.deps, ops.StopWorkflow)
}

func (h *Handlers) HandleAutomationStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.AutomationStatus(ctx, h.deps)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) HandleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Health(ctx, h.deps)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult creates an MCP error result with IsError set. INTERNAL
// errors and errors without a code get a generic message. Context added by
// wrapping a CounselError is kept in the message.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if ce, ok := errors.As(err); ok {
		msg := ce.Message
		if prefix := strings.TrimSuffix(err.Error(), ce.Error()); prefix != err.Error() && prefix != "" {
			msg = prefix + msg
		}
		errorObj := map[string]any{
			"code":    ce.Code,
			"message": msg,
			"status":  ce.Status,
		}
		switch {
		case ce.Code == errors.ErrInternal:
			errorObj["message"] = "an internal error occurred"
		case ce.Details != nil:
			errorObj["details"] = ce.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
