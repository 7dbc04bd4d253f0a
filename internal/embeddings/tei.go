package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TEIConfig configures a text-embeddings-inference server.
type TEIConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// TEI calls the native /embed endpoint of text-embeddings-inference.
type TEI struct {
	config TEIConfig
	client *http.Client
}

// NewTEI creates the client.
func NewTEI(cfg TEIConfig) (*TEI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &TEI{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// teiRequest is the request body for TEI embed endpoint.
type teiRequest struct {
	Inputs    interface{} `json:"inputs"`
	Truncate  bool        `json:"truncate"`
	Normalize bool        `json:"normalize"`
}

func (t *TEI) embed(ctx context.Context, inputs interface{}) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return vectors, nil
}

func (t *TEI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return t.embed(ctx, texts)
}

func (t *TEI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := t.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vectors[0], nil
}
