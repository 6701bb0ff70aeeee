// Package embed turns text into dense vectors for similarity search.
//
// Two implementations are provided:
//
//   - [OpenAI]: any OpenAI-compatible embeddings endpoint
//   - [Hash]: a local feature-hashing embedder that needs no network
package embed

import (
	"context"
	"errors"
	"math"
)

// Embedder converts text into dense float32 vectors.
type Embedder interface {
	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the output vectors.
	Dimension() int

	// Model identifies the embedding space. Vectors from different models
	// are not comparable.
	Model() string
}

// ErrEmptyInput is returned when there is nothing to embed.
var ErrEmptyInput = errors.New("embed: empty input")

// Embed is a convenience wrapper embedding a single text.
func Embed(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Normalize scales v to unit L2 length in place and returns it. A zero
// vector is left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Dot returns the inner product of a and b over their common length.
func Dot(a, b []float32) float32 {
	n := min(len(a), len(b))
	var s float32
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}
