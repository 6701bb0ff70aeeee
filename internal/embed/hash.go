package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// Hash is a deterministic bag-of-words embedder. Each lowercased token is
// hashed into one of Dimension buckets with a hash-derived sign, so texts
// sharing vocabulary get a high inner product. It needs no model download
// and no network, which makes it the default for local use and tests.
type Hash struct {
	dim int
}

var _ Embedder = (*Hash)(nil)

// NewHash returns a hashing embedder with dim buckets (384 when dim <= 0).
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = 384
	}
	return &Hash{dim: dim}
}

func (h *Hash) Dimension() int { return h.dim }

func (h *Hash) Model() string { return fmt.Sprintf("hash-%d", h.dim) }

// EmbedBatch embeds every text. Texts with no tokens get a zero vector.
func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hash) vector(text string) []float32 {
	v := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		bucket := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			v[bucket]--
		} else {
			v[bucket]++
		}
	}
	return v
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
