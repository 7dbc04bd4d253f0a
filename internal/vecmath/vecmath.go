// Package vecmath holds the similarity arithmetic shared by every search
// backend, so that all of them rank sections the same way.
package vecmath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/google/uuid"
)

// ErrDimensionMismatch is returned when two vectors differ in length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Dot returns the inner product of a and b, accumulated in float64.
// a and b must have the same length.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize scales v to unit length in place. A zero vector is left as is.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Encode packs v as little-endian float32 values.
func Encode(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// Decode unpacks a blob written by Encode. A nil blob decodes to nil.
func Decode(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// Candidate is a section considered for a match.
type Candidate struct {
	ID         int64
	ProjectID  uuid.UUID
	Path       string
	Content    string
	TokenCount int
	Embedding  []float32
}

// Rank applies Semantic Section Search to candidates: it drops sections
// without an embedding, shorter than p.MinContentLength characters, outside
// p.ProjectID (when set) or not strictly above p.Threshold, then orders the
// rest by descending similarity and ascending id and keeps at most p.Count.
func Rank(candidates []Candidate, p model.MatchParams) ([]model.Match, error) {
	out := make([]model.Match, 0, min(len(candidates), max(p.Count, 0)))
	for _, c := range candidates {
		if c.Embedding == nil {
			continue
		}
		if len(c.Embedding) != len(p.Embedding) {
			return nil, fmt.Errorf("%w: section %d has %d, query has %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), len(p.Embedding))
		}
		if p.ProjectID != uuid.Nil && c.ProjectID != p.ProjectID {
			continue
		}
		if utf8.RuneCountInString(c.Content) < p.MinContentLength {
			continue
		}
		sim := Dot(c.Embedding, p.Embedding)
		if sim <= p.Threshold {
			continue
		}
		out = append(out, model.Match{
			SectionID:  c.ID,
			Path:       c.Path,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			Similarity: sim,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].SectionID < out[j].SectionID
	})
	if p.Count >= 0 && len(out) > p.Count {
		out = out[:p.Count]
	}
	return out, nil
}
