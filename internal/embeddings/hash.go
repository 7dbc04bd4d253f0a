package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
)

// Hash is a deterministic bag-of-words embedder: each lowercased word is
// hashed into a signed bucket and the result is normalized to unit length.
// Texts sharing words get positive similarity, which is enough for local
// development and tests without a model server.
type Hash struct {
	dims int
}

// NewHash returns a hashing embedder producing dims-sized vectors.
func NewHash(dims int) *Hash {
	return &Hash{dims: dims}
}

func (h *Hash) vector(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return vecmath.Normalize(v)
}

func (h *Hash) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hash) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}
