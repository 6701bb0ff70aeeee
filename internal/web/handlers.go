package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/ops"
)

// MaxBodyBytes caps request bodies. A batch of MaxBatchItems full-length
// messages fits.
const MaxBodyBytes = 8 << 20

// Handlers contains HTTP route handlers for the JSON API.
type Handlers struct {
	deps    *ops.Deps
	version string
	logger  *slog.Logger
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Health(r.Context(), h.deps)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	status := http.StatusOK
	if !out.Healthy {
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, out)
}

func (h *Handlers) HandleVersion(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

// HandleProcessTurn handles POST /turns.
func (h *Handlers) HandleProcessTurn(w http.ResponseWriter, r *http.Request) {
	handleBody(h, w, r, http.StatusOK, ops.ProcessTurn)
}

// HandleProcessBatch handles POST /turns/batch.
func (h *Handlers) HandleProcessBatch(w http.ResponseWriter, r *http.Request) {
	handleBody(h, w, r, http.StatusOK, ops.ProcessBatch)
}

// HandleCreateConversation handles POST /conversations.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	handleBody(h, w, r, http.StatusCreated, ops.CreateConversation)
}

// HandleListConversations handles GET /conversations.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ListConversations(r.Context(), h.deps, ops.ListConversationsInput{
		Status: r.URL.Query().Get("status"),
		Limit:  parseIntParam(r, "limit", 0),
		Offset: parseIntParam(r, "offset", 0),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleGetConversation handles GET /conversations/{id}.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	out, err := ops.GetConversation(r.Context(), h.deps, ops.GetConversationInput{
		ID:              r.PathValue("id"),
		IncludeMessages: parseBoolParam(r, "include_messages"),
		HistoryLimit:    parseIntParam(r, "history_limit", 0),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleCloseConversation handles POST /conversations/{id}/close.
func (h *Handlers) HandleCloseConversation(w http.ResponseWriter, r *http.Request) {
	out, err := ops.CloseConversation(r.Context(), h.deps, r.PathValue("id"))
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleSummary handles GET /conversations/{id}/summary.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Summary(r.Context(), h.deps, r.PathValue("id"))
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleSearch handles GET /knowledge/search?q=...&top_k=...
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	out, err := ops.SearchDocuments(r.Context(), h.deps, ops.SearchInput{
		Query: r.URL.Query().Get("q"),
		TopK:  parseIntParam(r, "top_k", 0),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleAnswer handles POST /knowledge/answer.
func (h *Handlers) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	handleBody(h, w, r, http.StatusOK, ops.AnswerWithRetrieval)
}

// HandleAddDocument handles POST /knowledge/documents.
func (h *Handlers) HandleAddDocument(w http.ResponseWriter, r *http.Request) {
	handleBody(h, w, r, http.StatusCreated, ops.AddDocument)
}

// HandleRefresh handles POST /knowledge/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	out, err := ops.RefreshIndex(r.Context(), h.deps)
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleListRules handles GET /rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ListRules(r.Context(), h.deps, ops.ListRulesInput{
		FromPhase:       r.URL.Query().Get("from_phase"),
		IncludeInactive: parseBoolParam(r, "include_inactive"),
	})
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleGetTemplate handles GET /templates/{phase}.
func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	out, err := ops.GetTemplate(r.Context(), h.deps, ops.GetTemplateInput{Phase: r.PathValue("phase")})
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleAutomationStatus handles GET /automation/status.
func (h *Handlers) HandleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	out, err := ops.AutomationStatus(r.Context(), h.deps)
	h.respond(w, r, http.StatusOK, out, err)
}

// HandleRunWorkflow handles POST /automation/workflows. The call blocks
// until the workflow finishes or the client goes away.
func (h *Handlers) HandleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	handleBody(h, w, r, http.StatusOK, ops.RunWorkflow)
}

// HandleStopWorkflow handles DELETE /automation/workflows/{id}.
func (h *Handlers) HandleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	out, err := ops.StopWorkflow(r.Context(), h.deps, ops.StopWorkflowInput{WorkflowID: r.PathValue("id")})
	h.respond(w, r, http.StatusOK, out, err)
}

// handleBody decodes the JSON request body into In and runs op.
func handleBody[In, Out any](h *Handlers, w http.ResponseWriter, r *http.Request, status int,
	op func(context.Context, *ops.Deps, In) (Out, error)) {
	in, err := decodeBody[In](w, r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	out, err := op(r.Context(), h.deps, in)
	h.respond(w, r, status, out, err)
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, status int, out any, err error) {
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	renderJSON(w, status, out)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var v T
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return v, errors.NewInvalidRequest("Content-Type must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&v); err != nil {
		if err == io.EOF {
			return v, errors.NewInvalidRequest("request body is required")
		}
		return v, errors.NewInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return v, nil
}

// renderError writes a CounselError as {"error": {...}} with its HTTP
// status. INTERNAL errors are logged and replaced by a generic message.
func (h *Handlers) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := errors.As(err)
	if !ok {
		ce = errors.NewInternal(err)
	}
	body := map[string]any{
		"code":    string(ce.Code),
		"message": ce.Message,
		"status":  ce.Status,
	}
	if ce.Code == errors.ErrInternal {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body["message"] = "an internal error occurred"
	} else if ce.Details != nil {
		body["details"] = ce.Details
	}
	renderJSON(w, ce.Status, map[string]any{"error": body})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}
