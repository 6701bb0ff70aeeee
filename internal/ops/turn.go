package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/state"
	"github.com/hpungsan/counsel/internal/turn"
)

// ProcessTurnInput contains parameters for the ProcessTurn operation.
type ProcessTurnInput struct {
	ID               string `json:"id,omitempty"`
	ConversationID   string `json:"conversation_id"`
	Message          string `json:"message"`
	CurrentPhase     string `json:"current_phase,omitempty"`
	Provider         string `json:"provider,omitempty"`
	StoreUserMessage bool   `json:"store_user_message,omitempty"`
}

func (in ProcessTurnInput) request() (turn.Request, error) {
	id, err := requireID("conversation_id", in.ConversationID)
	if err != nil {
		return turn.Request{}, err
	}
	if strings.TrimSpace(in.Message) == "" {
		return turn.Request{}, errors.NewInvalidRequest("message is required")
	}
	if n := conversation.CountChars(in.Message); n > MaxMessageChars {
		return turn.Request{}, errors.NewInvalidRequest(fmt.Sprintf("message is %d chars, max %d", n, MaxMessageChars))
	}
	p, err := normalizePhaseArg("current_phase", in.CurrentPhase)
	if err != nil {
		return turn.Request{}, err
	}
	return turn.Request{
		ID:               in.ID,
		ConversationID:   id,
		Message:          in.Message,
		CurrentPhase:     p,
		Provider:         strings.ToLower(strings.TrimSpace(in.Provider)),
		StoreUserMessage: in.StoreUserMessage,
	}, nil
}

// ProcessTurn runs one conversational turn.
func ProcessTurn(ctx context.Context, d *Deps, input ProcessTurnInput) (*turn.Result, error) {
	if err := d.needTurns(); err != nil {
		return nil, err
	}
	req, err := input.request()
	if err != nil {
		return nil, err
	}
	return d.Turns.ProcessTurn(ctx, req)
}

// BatchInput contains parameters for the ProcessBatch operation.
type BatchInput struct {
	Requests []ProcessTurnInput `json:"requests"`
}

// BatchOutput contains per-request results in input order.
type BatchOutput struct {
	Results   []turn.BatchResult `json:"results"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

// ProcessBatch runs many turns with bounded concurrency. A request that
// fails validation is reported in place without running.
func ProcessBatch(ctx context.Context, d *Deps, input BatchInput) (*BatchOutput, error) {
	if err := d.needTurns(); err != nil {
		return nil, err
	}
	if len(input.Requests) == 0 {
		return nil, errors.NewInvalidRequest("requests must not be empty")
	}
	if len(input.Requests) > MaxBatchItems {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("at most %d requests per batch", MaxBatchItems))
	}

	out := &BatchOutput{Results: make([]turn.BatchResult, len(input.Requests))}
	var valid []turn.Request
	var slots []int
	for i, in := range input.Requests {
		req, err := in.request()
		if err != nil {
			ce, _ := errors.As(err)
			out.Results[i] = turn.BatchResult{Index: i, RequestID: in.ID, Error: ce.Message, Code: string(ce.Code)}
			continue
		}
		valid = append(valid, req)
		slots = append(slots, i)
	}

	for j, r := range d.Turns.ProcessBatch(ctx, valid) {
		r.Index = slots[j]
		out.Results[slots[j]] = r
	}
	for _, r := range out.Results {
		if r.Error == "" {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// SummaryOutput pairs the conversation summary with its workflow state.
type SummaryOutput struct {
	*conversation.Summary
	State *state.State `json:"workflow_state,omitempty"`
}

// Summary reports message counts, merged slots and contact fields for a
// conversation.
func Summary(ctx context.Context, d *Deps, conversationID string) (*SummaryOutput, error) {
	if err := d.needTurns(); err != nil {
		return nil, err
	}
	id, err := requireID("conversation_id", conversationID)
	if err != nil {
		return nil, err
	}
	sum, err := d.Turns.Summary(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &SummaryOutput{Summary: sum}
	if d.States != nil {
		st, err := d.States.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Turns > 0 {
			out.State = st
		}
	}
	return out, nil
}

// HealthOutput extends turn health with index and scheduler state.
type HealthOutput struct {
	turn.Health
	IndexChunks    int    `json:"index_chunks"`
	IndexDimension int    `json:"index_dimension"`
	LastRefresh    string `json:"last_refresh,omitempty"`
	RefreshError   string `json:"refresh_error,omitempty"`
}

// Health checks the database, providers, index and refresh schedule.
func Health(ctx context.Context, d *Deps) (*HealthOutput, error) {
	if err := d.needTurns(); err != nil {
		return nil, err
	}
	out := &HealthOutput{Health: d.Turns.Health(ctx)}
	if d.RAG != nil {
		out.IndexChunks, out.IndexDimension = d.RAG.Stats()
	}
	if d.Refresh != nil {
		st := d.Refresh.Status()
		if !st.LastRun.IsZero() {
			out.LastRefresh = st.LastRun.Format("2006-01-02T15:04:05Z07:00")
		}
		out.RefreshError = st.LastError
	}
	return out, nil
}
