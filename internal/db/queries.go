package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new monotonic ULID string.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// InsertConversation stores a new conversation. Empty ID, phase and status
// are filled with a fresh ULID, INFO_COLLECTION and active.
func InsertConversation(ctx context.Context, db *sql.DB, c *conversation.Conversation) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CurrentPhase == "" {
		c.CurrentPhase = conversation.PhaseInfoCollection
	}
	if c.Status == "" {
		c.Status = conversation.StatusActive
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	query := `
		INSERT INTO conversations (
			id, current_phase, status, contact_name, contact_email, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		c.ID, c.CurrentPhase, c.Status,
		toNullString(c.ContactName), toNullString(c.ContactEmail),
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict(fmt.Sprintf("conversation already exists: %s", c.ID))
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func GetConversation(ctx context.Context, db *sql.DB, id string) (*conversation.Conversation, error) {
	query := `
		SELECT id, current_phase, status, contact_name, contact_email, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	c, err := scanConversation(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("conversation", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// ListConversations returns conversations ordered by most recently updated.
// An empty status lists all.
func ListConversations(ctx context.Context, db *sql.DB, status string, limit, offset int) ([]conversation.Conversation, error) {
	query := `
		SELECT id, current_phase, status, contact_name, contact_email, created_at, updated_at
		FROM conversations
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpdatePhase sets current_phase and bumps updated_at.
func UpdatePhase(ctx context.Context, db *sql.DB, id, phase string) error {
	return updateConversation(ctx, db, id, "current_phase = ?", phase)
}

// UpdateStatus sets status and bumps updated_at.
func UpdateStatus(ctx context.Context, db *sql.DB, id, status string) error {
	return updateConversation(ctx, db, id, "status = ?", status)
}

// UpdateContact fills contact fields. Empty arguments leave the stored value untouched.
func UpdateContact(ctx context.Context, db *sql.DB, id, name, email string) error {
	query := `
		UPDATE conversations
		SET contact_name = COALESCE(?, contact_name),
			contact_email = COALESCE(?, contact_email),
			updated_at = ?
		WHERE id = ?
	`
	result, err := db.ExecContext(ctx, query, toNullString(name), toNullString(email), time.Now().UTC().UnixMilli(), id)
	return checkAffected(result, err, "conversation", id)
}

func updateConversation(ctx context.Context, db *sql.DB, id, set string, value any) error {
	query := "UPDATE conversations SET " + set + ", updated_at = ? WHERE id = ?"
	result, err := db.ExecContext(ctx, query, value, time.Now().UTC().UnixMilli(), id)
	return checkAffected(result, err, "conversation", id)
}

// AppendMessage stores a message. The conversation must exist.
func AppendMessage(ctx context.Context, db *sql.DB, m *conversation.Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	metadata, err := toNullJSON(m.Metadata)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		m.ID, m.ConversationID, string(m.Role), m.Content, metadata, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return errors.NewNotFound("conversation", m.ConversationID)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// RecentMessages returns the newest limit messages of a conversation, oldest first.
func RecentMessages(ctx context.Context, db *sql.DB, conversationID string, limit int) ([]conversation.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, metadata_json, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	msgs, err := queryMessages(ctx, db, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AllMessages returns every message of a conversation, oldest first.
func AllMessages(ctx context.Context, db *sql.DB, conversationID string) ([]conversation.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, metadata_json, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return queryMessages(ctx, db, query, conversationID)
}

func queryMessages(ctx context.Context, db *sql.DB, query string, args ...any) ([]conversation.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var (
			m         conversation.Message
			role      string
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &metadata, &createdAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		m.Role = conversation.ParseRole(role)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if m.Metadata, err = fromNullJSON(metadata); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		c                    conversation.Conversation
		name, email          sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.CurrentPhase, &c.Status, &name, &email, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ContactName = fromNullString(name)
	c.ContactEmail = fromNullString(email)
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &c, nil
}

// checkAffected maps an exec result to NotFound when no row changed.
func checkAffected(result sql.Result, err error, kind, id string) error {
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(kind, id)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyError checks if the error is a SQLite FOREIGN KEY violation.
func isForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// toNullString maps "" to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// fromNullString maps NULL to "".
func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// toNullJSON encodes a map as JSON, mapping empty maps to NULL.
func toNullJSON(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// fromNullJSON decodes a JSON object column.
func fromNullJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
