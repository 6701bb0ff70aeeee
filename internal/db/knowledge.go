package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
)

// InsertBranchRule stores a transition rule. New rules are active.
func InsertBranchRule(ctx context.Context, db *sql.DB, r *conversation.BranchRule) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Active = true

	var params sql.NullString
	if len(r.ConditionParams) > 0 {
		if !json.Valid(r.ConditionParams) {
			return errors.NewInvalidRequest("condition_params must be valid JSON")
		}
		params = sql.NullString{String: string(r.ConditionParams), Valid: true}
	}

	query := `
		INSERT INTO branch_rules (
			id, from_phase, to_phase, condition_type, condition_params, priority, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.FromPhase, r.ToPhase, r.ConditionType, params, r.Priority, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict(fmt.Sprintf("branch rule already exists: %s", r.ID))
		}
		return errors.NewInternal(err)
	}
	return nil
}

// BranchRules returns the active rules leaving fromPhase, highest priority first.
// Rules of equal priority keep insertion order.
func BranchRules(ctx context.Context, db *sql.DB, fromPhase string) ([]conversation.BranchRule, error) {
	query := `
		SELECT id, from_phase, to_phase, condition_type, condition_params, priority, active, created_at
		FROM branch_rules
		WHERE from_phase = ? AND active = 1
		ORDER BY priority DESC, created_at ASC, id ASC
	`
	return queryRules(ctx, db, query, fromPhase)
}

// ListBranchRules returns every rule, active or not, grouped by source phase.
func ListBranchRules(ctx context.Context, db *sql.DB) ([]conversation.BranchRule, error) {
	query := `
		SELECT id, from_phase, to_phase, condition_type, condition_params, priority, active, created_at
		FROM branch_rules
		ORDER BY from_phase ASC, priority DESC, created_at ASC, id ASC
	`
	return queryRules(ctx, db, query)
}

// SetBranchRuleActive enables or disables a rule.
func SetBranchRuleActive(ctx context.Context, db *sql.DB, id string, active bool) error {
	result, err := db.ExecContext(ctx, "UPDATE branch_rules SET active = ? WHERE id = ?", boolToInt(active), id)
	return checkAffected(result, err, "branch rule", id)
}

func queryRules(ctx context.Context, db *sql.DB, query string, args ...any) ([]conversation.BranchRule, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []conversation.BranchRule
	for rows.Next() {
		var (
			r         conversation.BranchRule
			params    sql.NullString
			active    int
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.FromPhase, &r.ToPhase, &r.ConditionType, &params, &r.Priority, &active, &createdAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		if params.Valid {
			r.ConditionParams = json.RawMessage(params.String)
		}
		r.Active = active == 1
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// InsertPromptTemplate stores a new template version for a phase. A zero
// Version is assigned one past the current highest version.
func InsertPromptTemplate(ctx context.Context, db *sql.DB, t *conversation.PromptTemplate) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Version == 0 {
		var maxVersion sql.NullInt64
		err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM prompt_templates WHERE phase = ?", t.Phase).Scan(&maxVersion)
		if err != nil {
			return errors.NewInternal(err)
		}
		t.Version = int(maxVersion.Int64) + 1
	}

	query := `
		INSERT INTO prompt_templates (id, phase, content, version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, t.ID, t.Phase, t.Content, t.Version, t.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict(fmt.Sprintf("prompt template %s version %d already exists", t.Phase, t.Version))
		}
		return errors.NewInternal(err)
	}
	return nil
}

// LatestPromptTemplate returns the highest version template for a phase.
func LatestPromptTemplate(ctx context.Context, db *sql.DB, phase string) (*conversation.PromptTemplate, error) {
	query := `
		SELECT id, phase, content, version, created_at
		FROM prompt_templates
		WHERE phase = ?
		ORDER BY version DESC
		LIMIT 1
	`
	var (
		t         conversation.PromptTemplate
		createdAt int64
	)
	err := db.QueryRowContext(ctx, query, phase).Scan(&t.ID, &t.Phase, &t.Content, &t.Version, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("prompt template", phase)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}

// InsertDocument stores a knowledge-base document. New documents are active.
func InsertDocument(ctx context.Context, db *sql.DB, d *conversation.Document) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Active = true
	metadata, err := toNullJSON(d.Metadata)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO documents (id, title, content, document_type, category, metadata_json, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`
	_, err = db.ExecContext(ctx, query,
		d.ID, d.Title, d.Content, toNullString(d.DocumentType), toNullString(d.Category),
		metadata, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict(fmt.Sprintf("document already exists: %s", d.ID))
		}
		return errors.NewInternal(err)
	}
	return nil
}

// UpsertDocument replaces a document by ID, keeping its creation time if it
// already exists. Used by the knowledge directory loader.
func UpsertDocument(ctx context.Context, db *sql.DB, d *conversation.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Active = true
	metadata, err := toNullJSON(d.Metadata)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO documents (id, title, content, document_type, category, metadata_json, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			document_type = excluded.document_type,
			category = excluded.category,
			metadata_json = excluded.metadata_json,
			active = 1
	`
	_, err = db.ExecContext(ctx, query,
		d.ID, d.Title, d.Content, toNullString(d.DocumentType), toNullString(d.Category),
		metadata, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetDocument retrieves a document by ID, active or not.
func GetDocument(ctx context.Context, db *sql.DB, id string) (*conversation.Document, error) {
	query := `
		SELECT id, title, content, document_type, category, metadata_json, active, created_at
		FROM documents
		WHERE id = ?
	`
	rows, err := db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errors.NewNotFound("document", id)
	}
	return &docs[0], nil
}

// ActiveDocuments returns every active document, newest first.
func ActiveDocuments(ctx context.Context, db *sql.DB) ([]conversation.Document, error) {
	query := `
		SELECT id, title, content, document_type, category, metadata_json, active, created_at
		FROM documents
		WHERE active = 1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return scanDocuments(rows)
}

// SetDocumentActive activates or retires a document.
func SetDocumentActive(ctx context.Context, db *sql.DB, id string, active bool) error {
	result, err := db.ExecContext(ctx, "UPDATE documents SET active = ? WHERE id = ?", boolToInt(active), id)
	return checkAffected(result, err, "document", id)
}

func scanDocuments(rows *sql.Rows) ([]conversation.Document, error) {
	defer rows.Close()

	var out []conversation.Document
	for rows.Next() {
		var (
			d                 conversation.Document
			docType, category sql.NullString
			metadata          sql.NullString
			active            int
			createdAt         int64
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &docType, &category, &metadata, &active, &createdAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		d.DocumentType = fromNullString(docType)
		d.Category = fromNullString(category)
		d.Active = active == 1
		d.CreatedAt = time.UnixMilli(createdAt).UTC()
		var err error
		if d.Metadata, err = fromNullJSON(metadata); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
