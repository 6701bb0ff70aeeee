package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/counsel/internal/conversation"
)

// Store binds the query functions to one database handle. It satisfies the
// collaborator interfaces of the phase engine, prompt builder, index and
// turn orchestrator.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return Ping(ctx, s.db) }

func (s *Store) Conversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return GetConversation(ctx, s.db, id)
}

func (s *Store) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	return InsertConversation(ctx, s.db, c)
}

// Context returns the most recent limit messages, oldest first.
func (s *Store) Context(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	return RecentMessages(ctx, s.db, conversationID, limit)
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	return AllMessages(ctx, s.db, conversationID)
}

func (s *Store) AppendMessage(ctx context.Context, m *conversation.Message) error {
	return AppendMessage(ctx, s.db, m)
}

func (s *Store) UpdatePhase(ctx context.Context, conversationID, phase string) error {
	return UpdatePhase(ctx, s.db, conversationID, phase)
}

func (s *Store) UpdateContact(ctx context.Context, conversationID, name, email string) error {
	return UpdateContact(ctx, s.db, conversationID, name, email)
}

func (s *Store) BranchRules(ctx context.Context, fromPhase string) ([]conversation.BranchRule, error) {
	return BranchRules(ctx, s.db, fromPhase)
}

func (s *Store) PromptTemplate(ctx context.Context, phase string) (*conversation.PromptTemplate, error) {
	return LatestPromptTemplate(ctx, s.db, phase)
}

func (s *Store) ActiveDocuments(ctx context.Context) ([]conversation.Document, error) {
	return ActiveDocuments(ctx, s.db)
}

func (s *Store) InsertDocument(ctx context.Context, d *conversation.Document) error {
	return InsertDocument(ctx, s.db, d)
}

func (s *Store) UpsertDocument(ctx context.Context, d *conversation.Document) error {
	return UpsertDocument(ctx, s.db, d)
}

func (s *Store) GetDocument(ctx context.Context, id string) (*conversation.Document, error) {
	return GetDocument(ctx, s.db, id)
}

func (s *Store) SetDocumentActive(ctx context.Context, id string, active bool) error {
	return SetDocumentActive(ctx, s.db, id, active)
}

func (s *Store) InsertBranchRule(ctx context.Context, r *conversation.BranchRule) error {
	return InsertBranchRule(ctx, s.db, r)
}

func (s *Store) ListBranchRules(ctx context.Context) ([]conversation.BranchRule, error) {
	return ListBranchRules(ctx, s.db)
}

func (s *Store) SetBranchRuleActive(ctx context.Context, id string, active bool) error {
	return SetBranchRuleActive(ctx, s.db, id, active)
}

func (s *Store) InsertPromptTemplate(ctx context.Context, t *conversation.PromptTemplate) error {
	return InsertPromptTemplate(ctx, s.db, t)
}

func (s *Store) ListConversations(ctx context.Context, status string, limit, offset int) ([]conversation.Conversation, error) {
	return ListConversations(ctx, s.db, status, limit, offset)
}

func (s *Store) UpdateStatus(ctx context.Context, conversationID, status string) error {
	return UpdateStatus(ctx, s.db, conversationID, status)
}
