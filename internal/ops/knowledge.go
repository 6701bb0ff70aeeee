package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/rag"
)

// SearchInput contains parameters for SearchDocuments.
type SearchInput struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"` // default: 5, max: 50
}

// SearchOutput contains ranked knowledge-base passages.
type SearchOutput struct {
	Query   string         `json:"query"`
	Results []index.Result `json:"results"`
	Count   int            `json:"count"`
}

// SearchDocuments ranks knowledge-base chunks against a query.
func SearchDocuments(ctx context.Context, d *Deps, input SearchInput) (*SearchOutput, error) {
	if err := d.needRAG(); err != nil {
		return nil, err
	}
	q := strings.TrimSpace(input.Query)
	topK := 0
	if input.TopK > 0 {
		topK = min(input.TopK, MaxSearchK)
	}
	hits, err := d.RAG.Search(ctx, q, topK)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []index.Result{}
	}
	return &SearchOutput{Query: q, Results: hits, Count: len(hits)}, nil
}

// AnswerInput contains parameters for AnswerWithRetrieval.
type AnswerInput struct {
	Query    string `json:"query"`
	Context  string `json:"context,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// AnswerWithRetrieval answers a question grounded in retrieved passages.
func AnswerWithRetrieval(ctx context.Context, d *Deps, input AnswerInput) (*rag.Answer, error) {
	if err := d.needRAG(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, errors.NewInvalidRequest("query is required")
	}
	return d.RAG.Answer(ctx, input.Query, input.Context, strings.ToLower(strings.TrimSpace(input.Provider)))
}

// AddDocumentInput contains parameters for AddDocument.
type AddDocumentInput struct {
	ID           string         `json:"id,omitempty"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	DocumentType string         `json:"document_type,omitempty"`
	Category     string         `json:"category,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AddDocumentOutput reports the stored document and the rebuilt index size.
type AddDocumentOutput struct {
	ID          string `json:"id"`
	IndexChunks int    `json:"index_chunks"`
}

// AddDocument stores a document and rebuilds the index.
func AddDocument(ctx context.Context, d *Deps, input AddDocumentInput) (*AddDocumentOutput, error) {
	if err := d.needRAG(); err != nil {
		return nil, err
	}
	doc := &conversation.Document{
		ID:           strings.TrimSpace(input.ID),
		Title:        strings.TrimSpace(input.Title),
		Content:      input.Content,
		DocumentType: strings.TrimSpace(input.DocumentType),
		Category:     strings.TrimSpace(input.Category),
		Metadata:     input.Metadata,
	}
	if err := d.RAG.AddDocument(ctx, doc); err != nil {
		return nil, err
	}
	chunks, _ := d.RAG.Stats()
	return &AddDocumentOutput{ID: doc.ID, IndexChunks: chunks}, nil
}

// SetDocumentActiveInput contains parameters for SetDocumentActive.
type SetDocumentActiveInput struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SetDocumentActive retires or restores a document and rebuilds the index
// so the change is visible to search.
func SetDocumentActive(ctx context.Context, d *Deps, input SetDocumentActiveInput) (*conversation.Document, error) {
	if err := d.needRAG(); err != nil {
		return nil, err
	}
	id, err := requireID("id", input.ID)
	if err != nil {
		return nil, err
	}
	if err := d.Store.SetDocumentActive(ctx, id, input.Active); err != nil {
		return nil, err
	}
	if err := d.RAG.Refresh(ctx); err != nil {
		return nil, err
	}
	return d.Store.GetDocument(ctx, id)
}

// RefreshJob returns the index rebuild used by the refresh endpoint and
// the knowledge watcher. Runs go through the schedule when one exists so
// its status reflects them.
func RefreshJob(d *Deps) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if d.Refresh != nil {
			return d.Refresh.RunNow(ctx)
		}
		return d.RAG.Refresh(ctx)
	}
}

// RefreshOutput reports the rebuilt index.
type RefreshOutput struct {
	Chunks    int `json:"chunks"`
	Dimension int `json:"dimension"`
	Documents int `json:"documents"`
}

// RefreshIndex rebuilds the index from active documents now. When a
// schedule is configured the run is recorded in its status.
func RefreshIndex(ctx context.Context, d *Deps) (*RefreshOutput, error) {
	if err := d.needRAG(); err != nil {
		return nil, err
	}
	if err := RefreshJob(d)(ctx); err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("refresh index: %w", err))
	}
	docs, err := d.Store.ActiveDocuments(ctx)
	if err != nil {
		return nil, err
	}
	chunks, dim := d.RAG.Stats()
	return &RefreshOutput{Chunks: chunks, Dimension: dim, Documents: len(docs)}, nil
}
