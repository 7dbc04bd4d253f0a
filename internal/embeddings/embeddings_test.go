package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHash_DeterministicAndNormalized(t *testing.T) {
	h := NewHash(64)
	ctx := context.Background()

	a, err := h.EmbedQuery(ctx, "Row level security policies")
	require.NoError(t, err)
	b, err := h.EmbedQuery(ctx, "row-level SECURITY policies!")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, vecmath.Dot(a, a), 1e-5)

	related, err := h.EmbedQuery(ctx, "security policies for rows")
	require.NoError(t, err)
	unrelated, err := h.EmbedQuery(ctx, "banana bread recipe")
	require.NoError(t, err)
	assert.Greater(t, vecmath.Dot(a, related), vecmath.Dot(a, unrelated))
}

func TestHash_EmptyText(t *testing.T) {
	v, err := NewHash(8).EmbedQuery(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	p, err := New(config.EmbeddingsConfig{Provider: "hash"}, 16, logger)
	require.NoError(t, err)
	assert.Equal(t, 16, p.Dimension())
	assert.Equal(t, "hash", p.Model())

	_, err = New(config.EmbeddingsConfig{Provider: "word2vec"}, 16, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(config.EmbeddingsConfig{Provider: "hash"}, 0, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(config.EmbeddingsConfig{Provider: "openai", Model: "m"}, 16, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInstrumented_RejectsWrongDimension(t *testing.T) {
	p := Instrument(NewHash(4), "hash", 8, nil)

	_, err := p.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, vecmath.ErrDimensionMismatch)

	_, err = p.EmbedDocuments(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, vecmath.ErrDimensionMismatch)
}

func TestInstrumented_EmptyInput(t *testing.T) {
	p := Instrument(NewHash(4), "hash", 4, nil)

	_, err := p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEI(t *testing.T) {
	var got teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch in := got.Inputs.(type) {
		case string:
			json.NewEncoder(w).Encode([][]float32{{1, 0}})
		case []interface{}:
			out := make([][]float32, len(in))
			for i := range in {
				out[i] = []float32{0, 1}
			}
			json.NewEncoder(w).Encode(out)
		}
	}))
	defer srv.Close()

	tei, err := NewTEI(TEIConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	p := Instrument(tei, "bge", 2, nil)

	v, err := p.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, v)
	assert.True(t, got.Normalize)

	vs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestTEI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tei, err := NewTEI(TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = tei.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestOpenAIConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, OpenAIConfig{Model: "m"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, OpenAIConfig{BaseURL: "http://x"}.Validate(), ErrInvalidConfig)
	assert.NoError(t, OpenAIConfig{BaseURL: "http://x", Model: "m"}.Validate())

	_, err := NewOpenAI(OpenAIConfig{BaseURL: "http://localhost:1/v1", Model: "text-embedding-ada-002"})
	assert.NoError(t, err)
}
