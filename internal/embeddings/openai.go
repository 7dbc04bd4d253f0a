package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1 or a local
	// TEI server's /v1.
	BaseURL string

	// Model is the embedding model, e.g. text-embedding-ada-002.
	Model string

	// APIKey is optional for self-hosted servers.
	APIKey string

	BatchSize int
	Timeout   time.Duration
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// OpenAI embeds through langchaingo's OpenAI client.
type OpenAI struct {
	embedder *embeddings.EmbedderImpl
}

// NewOpenAI creates the client. No request is made until the first call.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// langchaingo requires a token; self-hosted servers ignore it.
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embOpts := []embeddings.Option{embeddings.WithStripNewLines(false)}
	if cfg.BatchSize > 0 {
		embOpts = append(embOpts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := embeddings.NewEmbedder(llm, embOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAI{embedder: embedder}, nil
}

func (o *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return v, nil
}
