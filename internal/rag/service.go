package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/provider"
)

// DocumentStore is the knowledge-base storage the service reads and writes.
type DocumentStore interface {
	ActiveDocuments(ctx context.Context) ([]conversation.Document, error)
	InsertDocument(ctx context.Context, d *conversation.Document) error
}

// ProviderSource resolves a provider by name ("" for the default).
type ProviderSource interface {
	Get(name string) (provider.Provider, error)
}

// Options configures retrieval defaults.
type Options struct {
	TopK      int
	Threshold float32
	// IndexPath, when set, is where Refresh saves the rebuilt index.
	IndexPath string
	Logger    *slog.Logger
}

// Service is the retrieval pipeline over one index.
type Service struct {
	index     *index.Index
	docs      DocumentStore
	providers ProviderSource
	opts      Options
	logger    *slog.Logger
}

// NewService wires an index to its document store and providers.
func NewService(idx *index.Index, docs DocumentStore, providers ProviderSource, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Service{
		index:     idx,
		docs:      docs,
		providers: providers,
		opts:      opts,
		logger:    logging.OrDefault(opts.Logger),
	}
}

// Answer is a retrieval-augmented response.
type Answer struct {
	Response           string         `json:"response"`
	RetrievedDocuments []index.Result `json:"retrieved_documents"`
	ContextUsed        string         `json:"context_used"`
	Provider           string         `json:"provider"`
	TokensUsed         int            `json:"tokens_used"`
}

// Search returns up to topK chunks (the configured default when topK <= 0)
// scoring at or above the similarity threshold.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]index.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewInvalidRequest("query is required")
	}
	if topK <= 0 {
		topK = s.opts.TopK
	}
	hits, err := s.index.Search(ctx, query, topK, s.opts.Threshold)
	if err != nil {
		return nil, errors.NewProvider("embedder", err)
	}
	return hits, nil
}

// Answer retrieves context for query and asks the named provider to answer.
// Retrieval or provider failures are returned, never replaced with canned text.
func (s *Service) Answer(ctx context.Context, query, contextText, providerName string) (*Answer, error) {
	hits, err := s.Search(ctx, query, 0)
	if err != nil {
		return nil, err
	}
	p, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	retrieved := RetrievedContext(hits)
	res, err := p.Generate(ctx, provider.Prompt{Text: render(query, contextText, retrieved)}, provider.Params{})
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewProvider(p.Name(), err)
	}

	s.logger.Info("rag answer generated", "provider", p.Name(), "retrieved", len(hits), "tokens", res.TokensUsed)
	return &Answer{
		Response:           res.Content,
		RetrievedDocuments: hits,
		ContextUsed:        retrieved,
		Provider:           p.Name(),
		TokensUsed:         res.TokensUsed,
	}, nil
}

// AddDocument stores d and rebuilds the index so it is searchable at once.
func (s *Service) AddDocument(ctx context.Context, d *conversation.Document) error {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Content) == "" {
		return errors.NewInvalidRequest("title and content are required")
	}
	if d.DocumentType == "" {
		d.DocumentType = "legal"
	}
	if d.Category == "" {
		d.Category = "general"
	}
	if err := s.docs.InsertDocument(ctx, d); err != nil {
		return err
	}
	s.logger.Info("document added", "id", d.ID, "title", d.Title)
	return s.Refresh(ctx)
}

// Refresh rebuilds the index from every active document and saves it when
// an index path is configured.
func (s *Service) Refresh(ctx context.Context) error {
	docs, err := s.docs.ActiveDocuments(ctx)
	if err != nil {
		return err
	}
	if err := s.index.Rebuild(ctx, docs); err != nil {
		return errors.NewProvider("embedder", err)
	}
	if s.opts.IndexPath != "" {
		if err := s.index.Save(s.opts.IndexPath); err != nil {
			return errors.NewInternal(fmt.Errorf("save index: %w", err))
		}
	}
	return nil
}

// Stats reports the current index size.
func (s *Service) Stats() (chunks, dimension int) {
	return s.index.Len(), s.index.Dimension()
}
