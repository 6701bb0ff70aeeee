// Package state keeps the per-conversation workflow state written after
// every turn: the phase the conversation moved to and the last response.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by a Backend for a key it does not hold.
var ErrNotFound = errors.New("state: not found")

// Backend stores opaque values by key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Response is what a turn reports back to the workflow.
type Response struct {
	Content   string         `json:"content"`
	NextPhase string         `json:"next_phase"`
	Slots     map[string]any `json:"slots,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// State is the stored workflow state of one conversation.
type State struct {
	ConversationID string    `json:"conversation_id"`
	CurrentPhase   string    `json:"current_phase,omitempty"`
	LastResponse   *Response `json:"last_response,omitempty"`
	Turns          int       `json:"turns"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store reads and updates workflow state over a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
	// mu serializes read-modify-write cycles in Update.
	mu sync.Mutex
}

// NewStore returns a store writing to b.
func NewStore(b Backend) *Store {
	return &Store{backend: b, now: time.Now}
}

func key(conversationID string) string {
	return "workflow:" + conversationID
}

// Update records resp as the latest response of a conversation. The current
// phase follows resp.NextPhase; an empty NextPhase keeps the stored phase.
func (s *Store) Update(ctx context.Context, conversationID string, resp Response) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	st.LastResponse = &resp
	if resp.NextPhase != "" {
		st.CurrentPhase = resp.NextPhase
	}
	st.Turns++
	st.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if err := s.backend.Set(ctx, key(conversationID), data); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	return st, nil
}

// Get returns the stored state, or an empty state for an unknown conversation.
func (s *Store) Get(ctx context.Context, conversationID string) (*State, error) {
	return s.get(ctx, conversationID)
}

func (s *Store) get(ctx context.Context, conversationID string) (*State, error) {
	data, err := s.backend.Get(ctx, key(conversationID))
	if errors.Is(err, ErrNotFound) {
		return &State{ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
