package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates embeddings. The method set matches langchaingo's
// embeddings.Embedder.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a fixed output dimension.
type Provider interface {
	Embedder
	Dimension() int
	Model() string
}

// New builds the provider named by cfg.Provider for vectors of dims.
func New(cfg config.EmbeddingsConfig, dims int, logger *zap.Logger) (Provider, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	var (
		inner Embedder
		err   error
		model = cfg.Model
	)
	switch cfg.Provider {
	case "openai":
		inner, err = NewOpenAI(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			BatchSize: cfg.BatchSize,
			Timeout:   cfg.Timeout.Duration(),
		})
	case "tei":
		inner, err = NewTEI(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Duration(),
		})
	case "hash":
		inner, model = NewHash(dims), "hash"
	default:
		err = fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(inner, model, dims, logger), nil
}

// Instrument wraps e with dimension checks and metrics.
func Instrument(e Embedder, model string, dims int, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumented{inner: e, model: model, dims: dims, metrics: NewMetrics(logger)}
}

type instrumented struct {
	inner   Embedder
	model   string
	dims    int
	metrics *Metrics
}

func (e *instrumented) Dimension() int { return e.dims }
func (e *instrumented) Model() string  { return e.model }

func (e *instrumented) check(v []float32) error {
	if len(v) != e.dims {
		return fmt.Errorf("%w: %s returned %d dimensions, want %d", vecmath.ErrDimensionMismatch, e.model, len(v), e.dims)
	}
	return nil
}

func (e *instrumented) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordGeneration(ctx, e.model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err = e.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for _, v := range vectors {
		if err = e.check(v); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

func (e *instrumented) EmbedQuery(ctx context.Context, text string) (v []float32, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordGeneration(ctx, e.model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	v, err = e.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if err = e.check(v); err != nil {
		return nil, err
	}
	return v, nil
}
