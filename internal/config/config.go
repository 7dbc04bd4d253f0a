// Package config provides configuration loading for docmatch.
//
// Values come from three layers, highest precedence first: environment
// variables (DOCMATCH_SECTION_FIELD), a YAML file, and the defaults returned
// by Default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete docmatch configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Search        SearchConfig        `koanf:"search"`
	Index         IndexConfig         `koanf:"index"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained requests per second allowed per project.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `koanf:"driver"`
	// DSN is a postgres connection string or a sqlite file path.
	DSN Secret `koanf:"dsn"`
	// AppRole is the postgres role assumed per transaction so that
	// row-level security policies apply.
	AppRole      string `koanf:"app_role"`
	MaxConns     int    `koanf:"max_conns"`
	Dimensions   int    `koanf:"dimensions"`
	IVFFlatLists int    `koanf:"ivfflat_lists"`
}

// SearchConfig holds section search defaults and limits.
type SearchConfig struct {
	// Backend is "sql" or "index".
	Backend          string  `koanf:"backend"`
	MatchThreshold   float64 `koanf:"match_threshold"`
	MatchCount       int     `koanf:"match_count"`
	MaxMatchCount    int     `koanf:"max_match_count"`
	MinContentLength int     `koanf:"min_content_length"`
	// Overfetch multiplies match_count when querying an approximate index,
	// since candidates dropped by policy or length filters shrink the result.
	Overfetch int `koanf:"overfetch"`
}

// IndexConfig configures the optional approximate section index.
type IndexConfig struct {
	// Provider is "", "chromem" or "qdrant". Empty disables the index.
	Provider    string `koanf:"provider"`
	Collection  string `koanf:"collection"`
	ChromemPath string `koanf:"chromem_path"`
	Compress    bool   `koanf:"compress"`
	QdrantHost  string `koanf:"qdrant_host"`
	QdrantPort  int    `koanf:"qdrant_port"`
	QdrantTLS   bool   `koanf:"qdrant_tls"`
	QdrantKey   Secret `koanf:"qdrant_api_key"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint), "tei" for the
	// native text-embeddings-inference /embed API, or "hash" for the offline
	// deterministic embedder.
	Provider  string   `koanf:"provider"`
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	BatchSize int      `koanf:"batch_size"`
	Timeout   Duration `koanf:"timeout"`
}

// IngestConfig controls how files are split into sections.
type IngestConfig struct {
	Extensions       []string `koanf:"extensions"`
	MinSectionChars  int      `koanf:"min_section_chars"`
	MaxSectionTokens int      `koanf:"max_section_tokens"`
	ScrubSecrets     bool     `koanf:"scrub_secrets"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Default returns a configuration that runs locally with an embedded
// sqlite database and no external services except the embedder.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8787,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       10,
			RateBurst:       20,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "docmatch.db",
			AppRole:      "docmatch_app",
			MaxConns:     10,
			Dimensions:   1536,
			IVFFlatLists: 100,
		},
		Search: SearchConfig{
			Backend:          "sql",
			MatchThreshold:   0.78,
			MatchCount:       10,
			MaxMatchCount:    100,
			MinContentLength: 50,
			Overfetch:        3,
		},
		Index: IndexConfig{
			Collection:  "file_sections",
			ChromemPath: "~/.local/share/docmatch/index",
			QdrantHost:  "localhost",
			QdrantPort:  6334,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-ada-002",
			BatchSize: 32,
			Timeout:   Duration(30 * time.Second),
		},
		Ingest: IngestConfig{
			Extensions:       []string{".md", ".mdx", ".markdown"},
			MinSectionChars:  40,
			MaxSectionTokens: 512,
			ScrubSecrets:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "docmatch",
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit cannot be negative"))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if !c.Database.DSN.IsSet() {
		errs = append(errs, fmt.Errorf("database.dsn is required"))
	}
	if c.Database.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("database.dimensions must be positive"))
	}

	switch c.Search.Backend {
	case "sql":
	case "index":
		if c.Index.Provider == "" {
			errs = append(errs, fmt.Errorf("search.backend=index requires index.provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.backend must be sql or index, got %q", c.Search.Backend))
	}
	if c.Search.MatchThreshold < -1 || c.Search.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("search.match_threshold must be within [-1, 1]"))
	}
	if c.Search.MatchCount <= 0 || c.Search.MaxMatchCount < c.Search.MatchCount {
		errs = append(errs, fmt.Errorf("search.match_count must be positive and <= search.max_match_count"))
	}
	if c.Search.MinContentLength < 0 {
		errs = append(errs, fmt.Errorf("search.min_content_length cannot be negative"))
	}
	if c.Search.Overfetch < 1 {
		errs = append(errs, fmt.Errorf("search.overfetch must be >= 1"))
	}

	switch c.Index.Provider {
	case "", "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("index.provider must be chromem or qdrant, got %q", c.Index.Provider))
	}

	switch c.Embeddings.Provider {
	case "openai", "tei":
		if c.Embeddings.BaseURL == "" || c.Embeddings.Model == "" {
			errs = append(errs, fmt.Errorf("embeddings.base_url and embeddings.model are required"))
		}
	case "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be openai, tei or hash, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.batch_size must be positive"))
	}

	for _, ext := range c.Ingest.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("ingest.extensions entries must start with '.', got %q", ext))
		}
	}
	if c.Ingest.MaxSectionTokens <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_section_tokens must be positive"))
	}

	if c.Observability.EnableTelemetry && c.Observability.Endpoint == "" {
		errs = append(errs, fmt.Errorf("observability.endpoint is required when telemetry is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
