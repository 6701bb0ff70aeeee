// Package index holds the in-memory embedding index over chunked documents.
//
// The index owns one list of records, each pairing a vector with its chunk.
// Rebuilds construct a complete new snapshot and publish it with an atomic
// pointer swap, so searches never observe a half-built index.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hpungsan/counsel/internal/chunk"
	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/embed"
	"github.com/hpungsan/counsel/internal/logging"
)

// Chunk is one searchable piece of a source document.
type Chunk struct {
	ID           string         `msgpack:"id" json:"id"`
	SourceID     string         `msgpack:"source_id" json:"original_id"`
	Title        string         `msgpack:"title" json:"title"`
	Content      string         `msgpack:"content" json:"content"`
	DocumentType string         `msgpack:"document_type" json:"document_type"`
	Category     string         `msgpack:"category" json:"category"`
	Metadata     map[string]any `msgpack:"metadata,omitempty" json:"metadata,omitempty"`
}

// Record pairs a unit-length vector with the chunk it was computed from.
type Record struct {
	Vector []float32 `msgpack:"vector"`
	Chunk  Chunk     `msgpack:"chunk"`
}

// Result is a search hit.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"similarity_score"`
}

type snapshot struct {
	dim     int
	model   string
	records []Record
}

// Options configures chunking for rebuilds.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// BatchSize bounds how many chunks are sent to the embedder per call.
	BatchSize int
	Logger    *slog.Logger
}

// Index is safe for concurrent Search. Rebuilds are serialized.
type Index struct {
	embedder embed.Embedder
	opts     Options
	logger   *slog.Logger

	current   atomic.Pointer[snapshot]
	rebuildMu sync.Mutex
}

// New returns an empty index for the given embedder.
func New(e embed.Embedder, opts Options) *Index {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	idx := &Index{embedder: e, opts: opts, logger: logging.OrDefault(opts.Logger)}
	idx.current.Store(&snapshot{dim: e.Dimension(), model: e.Model()})
	return idx
}

// Len returns the number of records in the current snapshot.
func (x *Index) Len() int {
	return len(x.current.Load().records)
}

// Dimension returns the vector dimension of the current snapshot.
func (x *Index) Dimension() int {
	return x.current.Load().dim
}

// Records returns a copy of the current record list.
func (x *Index) Records() []Record {
	s := x.current.Load()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Rebuild replaces the index contents with chunks of docs. On error the
// previous snapshot stays published.
func (x *Index) Rebuild(ctx context.Context, docs []conversation.Document) error {
	x.rebuildMu.Lock()
	defer x.rebuildMu.Unlock()

	var chunks []Chunk
	for _, d := range docs {
		for i, text := range chunk.Split(d.Content, x.opts.ChunkSize, x.opts.ChunkOverlap) {
			chunks = append(chunks, Chunk{
				ID:           fmt.Sprintf("%s_%d", d.ID, i),
				SourceID:     d.ID,
				Title:        d.Title,
				Content:      text,
				DocumentType: d.DocumentType,
				Category:     d.Category,
				Metadata:     d.Metadata,
			})
		}
	}

	records := make([]Record, 0, len(chunks))
	for start := 0; start < len(chunks); start += x.opts.BatchSize {
		end := min(start+x.opts.BatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		vecs, err := x.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		for i, v := range vecs {
			if len(v) != x.embedder.Dimension() {
				return fmt.Errorf("chunk %s: vector has %d dims, want %d", chunks[start+i].ID, len(v), x.embedder.Dimension())
			}
			records = append(records, Record{Vector: embed.Normalize(v), Chunk: chunks[start+i]})
		}
	}

	x.current.Store(&snapshot{dim: x.embedder.Dimension(), model: x.embedder.Model(), records: records})
	x.logger.Info("index rebuilt", "documents", len(docs), "chunks", len(records))
	return nil
}

// Search returns at most topK chunks scoring at or above threshold, best
// first. Ties keep index order.
func (x *Index) Search(ctx context.Context, query string, topK int, threshold float32) ([]Result, error) {
	snap := x.current.Load()
	if topK <= 0 || len(snap.records) == 0 {
		return []Result{}, nil
	}

	q, err := embed.Embed(ctx, x.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	embed.Normalize(q)

	hits := make([]Result, 0, len(snap.records))
	for _, r := range snap.records {
		score := embed.Dot(q, r.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, Result{Chunk: r.Chunk, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// publish installs a loaded snapshot.
func (x *Index) publish(s *snapshot) {
	x.current.Store(s)
}
