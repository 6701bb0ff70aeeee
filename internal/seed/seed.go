// Package seed loads phases, prompt templates, branch rules and documents
// from a YAML file into the database.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
)

// File is the seed document layout.
//
//	templates:
//	  - phase: INFO_COLLECTION
//	    content: |
//	      You are a legal intake assistant...
//	rules:
//	  - from: INFO_COLLECTION
//	    to: CASE_ANALYSIS
//	    condition: sufficient_info
//	    params: {min_messages: 3, required_fields: [email]}
//	    priority: 10
//	documents:
//	  - title: Security Deposits
//	    content: Landlords must return...
type File struct {
	// Phases optionally lists extra phase names rules may target.
	Phases    []string   `yaml:"phases"`
	Templates []Template `yaml:"templates"`
	Rules     []Rule     `yaml:"rules"`
	Documents []Document `yaml:"documents"`
}

// Template is one prompt template entry.
type Template struct {
	Phase   string `yaml:"phase"`
	Content string `yaml:"content"`
	Version int    `yaml:"version"`
}

// Rule is one branch rule entry.
type Rule struct {
	ID        string         `yaml:"id"`
	From      string         `yaml:"from"`
	To        string         `yaml:"to"`
	Condition string         `yaml:"condition"`
	Params    map[string]any `yaml:"params"`
	Priority  int            `yaml:"priority"`
}

// Document is one knowledge-base entry.
type Document struct {
	ID       string         `yaml:"id"`
	Title    string         `yaml:"title"`
	Content  string         `yaml:"content"`
	Type     string         `yaml:"type"`
	Category string         `yaml:"category"`
	Metadata map[string]any `yaml:"metadata"`
}

// Parse decodes a seed file. Unknown keys are rejected so typos surface.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid seed file: %v", err))
	}
	return &f, nil
}

// ReadFile reads and parses the seed file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Writer is the storage a seed is applied to.
type Writer interface {
	InsertPromptTemplate(ctx context.Context, t *conversation.PromptTemplate) error
	InsertBranchRule(ctx context.Context, r *conversation.BranchRule) error
	UpsertDocument(ctx context.Context, d *conversation.Document) error
	InsertDocument(ctx context.Context, d *conversation.Document) error
}

// Counts reports how many entries Apply wrote.
type Counts struct {
	Templates int `json:"templates"`
	Rules     int `json:"rules"`
	Documents int `json:"documents"`
}

// Apply lints f and writes every entry. Nothing is written when lint
// fails. Documents with an ID are upserted; others are inserted.
func Apply(ctx context.Context, w Writer, f *File) (*Counts, error) {
	if res := Lint(f); !res.Valid {
		return nil, res.Err()
	}

	var c Counts
	for _, t := range f.Templates {
		err := w.InsertPromptTemplate(ctx, &conversation.PromptTemplate{
			Phase:   conversation.NormalizePhase(t.Phase),
			Content: t.Content,
			Version: t.Version,
		})
		if err != nil {
			return &c, err
		}
		c.Templates++
	}

	for _, r := range f.Rules {
		var params json.RawMessage
		if len(r.Params) > 0 {
			b, err := json.Marshal(r.Params)
			if err != nil {
				return &c, errors.NewInvalidRequest(fmt.Sprintf("rule %s -> %s params: %v", r.From, r.To, err))
			}
			params = b
		}
		err := w.InsertBranchRule(ctx, &conversation.BranchRule{
			ID:              r.ID,
			FromPhase:       conversation.NormalizePhase(r.From),
			ToPhase:         conversation.NormalizePhase(r.To),
			ConditionType:   r.Condition,
			ConditionParams: params,
			Priority:        r.Priority,
		})
		if err != nil {
			return &c, err
		}
		c.Rules++
	}

	for _, d := range f.Documents {
		doc := &conversation.Document{
			ID:           d.ID,
			Title:        d.Title,
			Content:      d.Content,
			DocumentType: d.Type,
			Category:     d.Category,
			Metadata:     d.Metadata,
			Active:       true,
		}
		if doc.DocumentType == "" {
			doc.DocumentType = "legal"
		}
		if doc.Category == "" {
			doc.Category = "general"
		}
		var err error
		if doc.ID != "" {
			err = w.UpsertDocument(ctx, doc)
		} else {
			err = w.InsertDocument(ctx, doc)
		}
		if err != nil {
			return &c, err
		}
		c.Documents++
	}
	return &c, nil
}
