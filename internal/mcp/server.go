package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/counsel/internal/ops"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
// Names follow "group_action".
var toolRegistry = map[string]toolEntry{
	"turn_process": {
		def:     processTurnToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleProcessTurn },
	},
	"turn_batch": {
		def:     processBatchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleProcessBatch },
	},
	"conversation_create": {
		def:     createConversationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCreateConversation },
	},
	"conversation_get": {
		def:     getConversationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetConversation },
	},
	"conversation_list": {
		def:     listConversationsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListConversations },
	},
	"conversation_close": {
		def:     closeConversationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCloseConversation },
	},
	"conversation_summary": {
		def:     summaryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSummary },
	},
	"conversation_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"knowledge_search": {
		def:     searchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSearch },
	},
	"knowledge_answer": {
		def:     answerToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAnswer },
	},
	"knowledge_add": {
		def:     addDocumentToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddDocument },
	},
	"knowledge_set_active": {
		def:     setDocumentActiveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSetDocumentActive },
	},
	"knowledge_refresh": {
		def:     refreshToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRefresh },
	},
	"rule_list": {
		def:     listRulesToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListRules },
	},
	"rule_add": {
		def:     addRuleToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddRule },
	},
	"rule_set_active": {
		def:     setRuleActiveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSetRuleActive },
	},
	"template_add": {
		def:     addTemplateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAddTemplate },
	},
	"template_get": {
		def:     getTemplateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetTemplate },
	},
	"seed_apply": {
		def:     seedToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSeed },
	},
	"automation_run": {
		def:     runWorkflowToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRunWorkflow },
	},
	"automation_stop": {
		def:     stopWorkflowToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStopWorkflow },
	},
	"automation_status": {
		def:     automationStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAutomationStatus },
	},
	"system_health": {
		def:     healthToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHealth },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns the names in the list that are not tools.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with the counsel tools registered, minus
// those listed in Config.DisabledTools.
func NewServer(deps *ops.Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"counsel",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(deps)

	disabled := make(map[string]bool)
	if deps.Config != nil {
		for _, name := range deps.Config.DisabledTools {
			disabled[name] = true
		}
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the MCP tools over stdio until stdin closes.
func Run(deps *ops.Deps, version string) error {
	return server.ServeStdio(NewServer(deps, version))
}
