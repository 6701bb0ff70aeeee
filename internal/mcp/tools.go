package mcp

import "github.com/mark3labs/mcp-go/mcp"

var processTurnToolDef = mcp.NewTool("turn_process",
	mcp.WithDescription("Run one conversational turn: extract slots, build the phase prompt, call the provider and apply phase transition rules."),
	mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to run the turn against")),
	mcp.WithString("message", mcp.Required(), mcp.Description("The user message")),
	mcp.WithString("current_phase", mcp.Description("Override the stored phase for this turn")),
	mcp.WithString("provider", mcp.Description("Provider name; default provider when empty")),
	mcp.WithBoolean("store_user_message", mcp.Description("Append the user message to the transcript before replying")),
	mcp.WithString("id", mcp.Description("Caller reference echoed back")),
)

var processBatchToolDef = mcp.NewTool("turn_batch",
	mcp.WithDescription("Run many turns with bounded concurrency. Results keep input order; one failure never affects the others."),
	mcp.WithArray("requests", mcp.Required(),
		mcp.Description("Turn requests, each with conversation_id and message (max 100)"),
		mcp.Items(map[string]any{"type": "object"})),
)

var createConversationToolDef = mcp.NewTool("conversation_create",
	mcp.WithDescription("Open a new conversation."),
	mcp.WithString("phase", mcp.Description("Starting phase; workflow default when empty")),
	mcp.WithString("contact_name", mcp.Description("Client name")),
	mcp.WithString("contact_email", mcp.Description("Client email")),
)

var getConversationToolDef = mcp.NewTool("conversation_get",
	mcp.WithDescription("Fetch a conversation, optionally with its most recent messages."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Conversation ID")),
	mcp.WithBoolean("include_messages", mcp.Description("Include the transcript")),
	mcp.WithNumber("history_limit", mcp.Description("Max messages returned, newest kept (default 50, max 500)")),
)

var listConversationsToolDef = mcp.NewTool("conversation_list",
	mcp.WithDescription("List conversations, most recently updated first."),
	mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("active", "closed")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Rows to skip")),
)

var closeConversationToolDef = mcp.NewTool("conversation_close",
	mcp.WithDescription("Mark a conversation closed."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Conversation ID")),
)

var summaryToolDef = mcp.NewTool("conversation_summary",
	mcp.WithDescription("Message counts, merged slots, contact fields and workflow state for a conversation."),
	mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
)

var exportToolDef = mcp.NewTool("conversation_export",
	mcp.WithDescription("Write a conversation transcript as JSONL. Default path: ~/.counsel/exports/<id>-<timestamp>.jsonl."),
	mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
	mcp.WithString("path", mcp.Description("Destination .jsonl file directly inside an allowed directory")),
)

var searchToolDef = mcp.NewTool("knowledge_search",
	mcp.WithDescription("Rank knowledge-base passages by similarity to a query."),
	mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
	mcp.WithNumber("top_k", mcp.Description("Max passages (default from config, max 50)")),
)

var answerToolDef = mcp.NewTool("knowledge_answer",
	mcp.WithDescription("Answer a question grounded in retrieved knowledge-base passages."),
	mcp.WithString("query", mcp.Required(), mcp.Description("The question")),
	mcp.WithString("context", mcp.Description("Conversation context to include")),
	mcp.WithString("provider", mcp.Description("Provider name; default provider when empty")),
)

var addDocumentToolDef = mcp.NewTool("knowledge_add",
	mcp.WithDescription("Add a document to the knowledge base and rebuild the index."),
	mcp.WithString("title", mcp.Required(), mcp.Description("Document title")),
	mcp.WithString("content", mcp.Required(), mcp.Description("Document text")),
	mcp.WithString("id", mcp.Description("Stable document ID; generated when empty")),
	mcp.WithString("document_type", mcp.Description("Default: legal")),
	mcp.WithString("category", mcp.Description("Default: general")),
	mcp.WithObject("metadata", mcp.Description("Free-form metadata")),
)

var setDocumentActiveToolDef = mcp.NewTool("knowledge_set_active",
	mcp.WithDescription("Retire or restore a document. The index is rebuilt."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Document ID")),
	mcp.WithBoolean("active", mcp.Required(), mcp.Description("false retires the document")),
)

var refreshToolDef = mcp.NewTool("knowledge_refresh",
	mcp.WithDescription("Rebuild the index from every active document now."),
)

var listRulesToolDef = mcp.NewTool("rule_list",
	mcp.WithDescription("List branch rules in evaluation order."),
	mcp.WithString("from_phase", mcp.Description("Only rules leaving this phase")),
	mcp.WithBoolean("include_inactive", mcp.Description("Include disabled rules")),
)

var addRuleToolDef = mcp.NewTool("rule_add",
	mcp.WithDescription("Add a branch rule. The condition is checked before it is stored."),
	mcp.WithString("from_phase", mcp.Required(), mcp.Description("Source phase")),
	mcp.WithString("to_phase", mcp.Required(), mcp.Description("Target phase")),
	mcp.WithString("condition_type", mcp.Required(), mcp.Description("Condition kind"),
		mcp.Enum("sufficient_info", "analysis_complete", "client_interest", "message_count", "time_elapsed", "keyword_match", "slot_filled")),
	mcp.WithObject("condition_params", mcp.Description("Condition parameters")),
	mcp.WithNumber("priority", mcp.Description("Higher runs first")),
	mcp.WithString("id", mcp.Description("Rule ID; generated when empty")),
)

var setRuleActiveToolDef = mcp.NewTool("rule_set_active",
	mcp.WithDescription("Enable or disable a branch rule."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Rule ID")),
	mcp.WithBoolean("active", mcp.Required(), mcp.Description("New state")),
)

var addTemplateToolDef = mcp.NewTool("template_add",
	mcp.WithDescription("Store a new prompt template version for a phase."),
	mcp.WithString("phase", mcp.Required(), mcp.Description("Phase name")),
	mcp.WithString("content", mcp.Required(), mcp.Description("System prompt text")),
	mcp.WithNumber("version", mcp.Description("Explicit version; next version when 0")),
)

var getTemplateToolDef = mcp.NewTool("template_get",
	mcp.WithDescription("Fetch the newest prompt template for a phase."),
	mcp.WithString("phase", mcp.Required(), mcp.Description("Phase name")),
)

var seedToolDef = mcp.NewTool("seed_apply",
	mcp.WithDescription("Lint and apply a YAML seed of phases, templates, rules and documents."),
	mcp.WithString("path", mcp.Description("Seed .yaml file directly inside ~/.counsel/seeds or an allowed directory")),
	mcp.WithString("content", mcp.Description("Inline seed YAML")),
	mcp.WithBoolean("dry_run", mcp.Description("Lint only")),
)

var runWorkflowToolDef = mcp.NewTool("automation_run",
	mcp.WithDescription("Run a desktop-automation workflow from a template or explicit steps and wait for the result."),
	mcp.WithString("template", mcp.Description("Template name"), mcp.Enum("send_message", "receive_message", "auto_reply")),
	mcp.WithArray("steps", mcp.Description("Explicit steps: id, action, parameters, timeout, retry_count, condition"),
		mcp.Items(map[string]any{"type": "object"})),
	mcp.WithObject("variables", mcp.Description("Values for {{name}} placeholders and conditions")),
	mcp.WithString("workflow_id", mcp.Description("Workflow ID; generated when empty")),
	mcp.WithString("session_id", mcp.Description("Caller session")),
	mcp.WithString("user_id", mcp.Description("Caller user")),
)

var stopWorkflowToolDef = mcp.NewTool("automation_stop",
	mcp.WithDescription("Stop an active workflow."),
	mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
)

var automationStatusToolDef = mcp.NewTool("automation_status",
	mcp.WithDescription("Active workflows, capabilities and last activity of the automation runner."),
)

var healthToolDef = mcp.NewTool("system_health",
	mcp.WithDescription("Database, provider, index and refresh schedule health."),
)
